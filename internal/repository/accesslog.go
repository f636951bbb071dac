// accesslog.go — append-only журнал доступа к записям.
package repository

import (
	"context"
	"fmt"

	"github.com/vitavault/vitavault/internal/domain/model"
)

// AccessLogRepository — интерфейс журнала доступа.
// Журнал append-only: операций изменения и удаления нет и не будет,
// записи переживают даже soft delete самой медицинской записи.
type AccessLogRepository interface {
	// Append добавляет событие в журнал.
	Append(ctx context.Context, entry *model.AccessLogEntry) error
	// ListByRecord возвращает события по записи, новые первыми.
	ListByRecord(ctx context.Context, recordID string, limit int) ([]*model.AccessLogEntry, error)
}

// accessLogRepo — реализация AccessLogRepository.
type accessLogRepo struct {
	db DBTX
}

// NewAccessLogRepository создаёт репозиторий журнала доступа.
func NewAccessLogRepository(db DBTX) AccessLogRepository {
	return &accessLogRepo{db: db}
}

func (r *accessLogRepo) Append(ctx context.Context, entry *model.AccessLogEntry) error {
	query := `
		INSERT INTO access_logs (id, record_id, user_id, shared_access_id, action, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		entry.ID, entry.RecordID, entry.UserID, entry.SharedAccessID,
		entry.Action, entry.UserAgent,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал доступа: %w", err)
	}
	return nil
}

func (r *accessLogRepo) ListByRecord(ctx context.Context, recordID string, limit int) ([]*model.AccessLogEntry, error) {
	query := `
		SELECT id, record_id, user_id, shared_access_id, action, user_agent, created_at
		FROM access_logs
		WHERE record_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала доступа: %w", err)
	}
	defer rows.Close()

	var entries []*model.AccessLogEntry
	for rows.Next() {
		e := &model.AccessLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.RecordID, &e.UserID, &e.SharedAccessID,
			&e.Action, &e.UserAgent, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка чтения строки журнала: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации журнала: %w", err)
	}

	return entries, nil
}
