// record.go — репозиторий медицинских записей.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitavault/vitavault/internal/domain/model"
)

// RecordRepository — интерфейс работы с таблицей medical_records.
// Все операции кроме Create принимают ownerID и видят только живые
// (не удалённые) записи этого владельца.
type RecordRepository interface {
	// Create вставляет новую запись.
	Create(ctx context.Context, rec *model.Record) error
	// GetByID возвращает запись владельца по UUID.
	GetByID(ctx context.Context, ownerID, recordID string) (*model.Record, error)
	// List возвращает страницу записей владельца и общее количество.
	List(ctx context.Context, ownerID string, filters RecordListFilters, limit, offset int) ([]*model.Record, int, error)
	// SoftDelete помечает запись удалённой. Идемпотентность не
	// предусмотрена: повторное удаление — ErrNotFound.
	SoftDelete(ctx context.Context, ownerID, recordID string) error
}

// RecordListFilters — фильтры листинга записей.
type RecordListFilters struct {
	Category *model.DocumentCategory
}

// recordRepo — реализация RecordRepository.
type recordRepo struct {
	db DBTX
}

// NewRecordRepository создаёт репозиторий медицинских записей.
func NewRecordRepository(db DBTX) RecordRepository {
	return &recordRepo{db: db}
}

const recordColumns = `id, owner_id, content_address, original_filename,
		document_category, document_date, encryption_digest, access_predicate,
		extracted_summary, tags, created_at, deleted_at`

func (r *recordRepo) Create(ctx context.Context, rec *model.Record) error {
	query := `
		INSERT INTO medical_records (id, owner_id, content_address, original_filename,
			document_category, document_date, encryption_digest, access_predicate,
			extracted_summary, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.OwnerID, rec.ContentAddress, rec.OriginalFilename,
		rec.Category, rec.DocumentDate, rec.EncryptionDigest, rec.AccessPredicate,
		rec.ExtractedSummary, rec.Tags,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	return nil
}

func (r *recordRepo) GetByID(ctx context.Context, ownerID, recordID string) (*model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM medical_records
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`

	rec := &model.Record{}
	err := r.db.QueryRow(ctx, query, recordID, ownerID).Scan(
		&rec.ID, &rec.OwnerID, &rec.ContentAddress, &rec.OriginalFilename,
		&rec.Category, &rec.DocumentDate, &rec.EncryptionDigest, &rec.AccessPredicate,
		&rec.ExtractedSummary, &rec.Tags, &rec.CreatedAt, &rec.DeletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Чужая запись неотличима от несуществующей
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) List(ctx context.Context, ownerID string, filters RecordListFilters, limit, offset int) ([]*model.Record, int, error) {
	where := `WHERE owner_id = $1 AND deleted_at IS NULL`
	args := []any{ownerID}
	if filters.Category != nil {
		where += fmt.Sprintf(" AND document_category = $%d", len(args)+1)
		args = append(args, *filters.Category)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM medical_records ` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+recordColumns+`
		FROM medical_records
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка листинга записей: %w", err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec := &model.Record{}
		if err := rows.Scan(
			&rec.ID, &rec.OwnerID, &rec.ContentAddress, &rec.OriginalFilename,
			&rec.Category, &rec.DocumentDate, &rec.EncryptionDigest, &rec.AccessPredicate,
			&rec.ExtractedSummary, &rec.Tags, &rec.CreatedAt, &rec.DeletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("ошибка чтения строки записи: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации записей: %w", err)
	}

	return records, total, nil
}

func (r *recordRepo) SoftDelete(ctx context.Context, ownerID, recordID string) error {
	query := `
		UPDATE medical_records
		SET deleted_at = $1
		WHERE id = $2 AND owner_id = $3 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, time.Now().UTC(), recordID, ownerID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
