// share.go — репозиторий разделяемых ссылок доступа.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vitavault/vitavault/internal/domain/model"
)

// ShareRepository — интерфейс работы с таблицей shared_access.
type ShareRepository interface {
	// Create вставляет новую разделяемую ссылку.
	Create(ctx context.Context, share *model.SharedAccess) error
	// GetByToken возвращает ссылку по её токену (включая отозванные —
	// различение статусов выполняет сервисный слой).
	GetByToken(ctx context.Context, token string) (*model.SharedAccess, error)
	// ListByRecord возвращает ссылки записи владельца.
	ListByRecord(ctx context.Context, ownerID, recordID string) ([]*model.SharedAccess, error)
	// IncrementViews атомарно увеличивает счётчик просмотров.
	IncrementViews(ctx context.Context, shareID string) error
	// Revoke отзывает ссылку владельца. Повторный отзыв — ErrNotFound.
	Revoke(ctx context.Context, ownerID, shareID string) error
}

// shareRepo — реализация ShareRepository.
type shareRepo struct {
	db DBTX
}

// NewShareRepository создаёт репозиторий разделяемых ссылок.
func NewShareRepository(db DBTX) ShareRepository {
	return &shareRepo{db: db}
}

const shareColumns = `id, record_id, owner_id, share_token, recipient_email,
		can_download, expires_at, max_views, view_count, created_at,
		last_accessed_at, revoked_at`

func (r *shareRepo) Create(ctx context.Context, share *model.SharedAccess) error {
	query := `
		INSERT INTO shared_access (id, record_id, owner_id, share_token,
			recipient_email, can_download, expires_at, max_views)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		share.ID, share.RecordID, share.OwnerID, share.ShareToken,
		share.RecipientEmail, share.CanDownload, share.ExpiresAt, share.MaxViews,
	).Scan(&share.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: токен ссылки уже занят", ErrConflict)
		}
		return fmt.Errorf("ошибка создания разделяемой ссылки: %w", err)
	}
	return nil
}

func (r *shareRepo) GetByToken(ctx context.Context, token string) (*model.SharedAccess, error) {
	query := `
		SELECT ` + shareColumns + `
		FROM shared_access
		WHERE share_token = $1`

	share := &model.SharedAccess{}
	err := r.db.QueryRow(ctx, query, token).Scan(
		&share.ID, &share.RecordID, &share.OwnerID, &share.ShareToken,
		&share.RecipientEmail, &share.CanDownload, &share.ExpiresAt, &share.MaxViews,
		&share.ViewCount, &share.CreatedAt, &share.LastAccessedAt, &share.RevokedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения разделяемой ссылки: %w", err)
	}
	return share, nil
}

func (r *shareRepo) ListByRecord(ctx context.Context, ownerID, recordID string) ([]*model.SharedAccess, error) {
	query := `
		SELECT ` + shareColumns + `
		FROM shared_access
		WHERE record_id = $1 AND owner_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, recordID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка листинга разделяемых ссылок: %w", err)
	}
	defer rows.Close()

	var shares []*model.SharedAccess
	for rows.Next() {
		share := &model.SharedAccess{}
		if err := rows.Scan(
			&share.ID, &share.RecordID, &share.OwnerID, &share.ShareToken,
			&share.RecipientEmail, &share.CanDownload, &share.ExpiresAt, &share.MaxViews,
			&share.ViewCount, &share.CreatedAt, &share.LastAccessedAt, &share.RevokedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки ссылки: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации ссылок: %w", err)
	}

	return shares, nil
}

func (r *shareRepo) IncrementViews(ctx context.Context, shareID string) error {
	query := `
		UPDATE shared_access
		SET view_count = view_count + 1, last_accessed_at = $1
		WHERE id = $2`

	tag, err := r.db.Exec(ctx, query, time.Now().UTC(), shareID)
	if err != nil {
		return fmt.Errorf("ошибка инкремента просмотров: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *shareRepo) Revoke(ctx context.Context, ownerID, shareID string) error {
	query := `
		UPDATE shared_access
		SET revoked_at = $1
		WHERE id = $2 AND owner_id = $3 AND revoked_at IS NULL`

	tag, err := r.db.Exec(ctx, query, time.Now().UTC(), shareID, ownerID)
	if err != nil {
		return fmt.Errorf("ошибка отзыва ссылки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
