// shares.go — разделяемые ссылки доступа к записи.
//
// Ссылка даёт предъявителю токена метаданные и шифротекст записи;
// расшифровать их получатель сможет, только если предикат доступа
// покрывает его кошелёк. Для этого при создании ссылки с кошельком
// получателя вычисляется расширенный предикат "владелец ИЛИ получатель" —
// предикат существующей записи неизменяем, поэтому расширенный вариант
// предназначен для перешифрования в новую запись.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vitavault/vitavault/internal/domain/access"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/repository"
)

// Ошибки разделяемого доступа.
var (
	// ErrShareRevoked — ссылка отозвана владельцем
	ErrShareRevoked = errors.New("ссылка отозвана")
	// ErrShareExpired — истёк срок действия либо лимит просмотров
	ErrShareExpired = errors.New("срок действия ссылки истёк")
)

// ShareOptions — параметры создаваемой ссылки. Все поля опциональны.
type ShareOptions struct {
	RecipientEmail  string
	RecipientWallet string
	CanDownload     bool
	ExpiresAt       *time.Time
	MaxViews        *int
}

// ShareResult — созданная ссылка и, при указанном кошельке получателя,
// расширенный предикат для перешифрования.
type ShareResult struct {
	Share             *model.SharedAccess
	ExtendedPredicate *access.Predicate
}

// ShareService — управление разделяемыми ссылками.
type ShareService struct {
	shares  repository.ShareRepository
	records repository.RecordRepository
	logs    repository.AccessLogRepository
	blobs   BlobFetcher
	logger  *slog.Logger
}

// NewShareService создаёт сервис разделяемых ссылок.
func NewShareService(
	shares repository.ShareRepository,
	records repository.RecordRepository,
	logs repository.AccessLogRepository,
	blobs BlobFetcher,
	logger *slog.Logger,
) *ShareService {
	return &ShareService{
		shares:  shares,
		records: records,
		logs:    logs,
		blobs:   blobs,
		logger:  logger.With(slog.String("component", "share_service")),
	}
}

// Create создаёт разделяемую ссылку на запись владельца.
// Чужая запись — repository.ErrNotFound.
func (s *ShareService) Create(ctx context.Context, ownerID, recordID string, opts ShareOptions) (*ShareResult, error) {
	rec, err := s.records.GetByID(ctx, ownerID, recordID)
	if err != nil {
		return nil, err
	}

	token, err := newShareToken()
	if err != nil {
		return nil, fmt.Errorf("генерация токена ссылки: %w", err)
	}

	share := &model.SharedAccess{
		ID:          uuid.New().String(),
		RecordID:    recordID,
		OwnerID:     ownerID,
		ShareToken:  token,
		CanDownload: opts.CanDownload,
		ExpiresAt:   opts.ExpiresAt,
		MaxViews:    opts.MaxViews,
	}
	if opts.RecipientEmail != "" {
		share.RecipientEmail = &opts.RecipientEmail
	}
	if err := s.shares.Create(ctx, share); err != nil {
		return nil, err
	}

	result := &ShareResult{Share: share}

	// Кошелёк получателя указан — расширяем предикат до ИЛИ-пары
	if opts.RecipientWallet != "" {
		predicate, err := access.Unmarshal(rec.AccessPredicate)
		if err != nil {
			return nil, fmt.Errorf("разбор предиката записи: %w", err)
		}
		extended, err := predicate.Extend(opts.RecipientWallet)
		if err != nil {
			return nil, fmt.Errorf("расширение предиката: %w", err)
		}
		result.ExtendedPredicate = extended
	}

	s.appendLog(ctx, recordID, &ownerID, &share.ID, model.ActionShare, "")
	return result, nil
}

// Revoke отзывает ссылку владельца.
func (s *ShareService) Revoke(ctx context.Context, ownerID, shareID, recordID string) error {
	if err := s.shares.Revoke(ctx, ownerID, shareID); err != nil {
		return err
	}
	s.appendLog(ctx, recordID, &ownerID, &shareID, model.ActionRevoke, "")
	return nil
}

// ListByRecord возвращает ссылки записи владельца.
func (s *ShareService) ListByRecord(ctx context.Context, ownerID, recordID string) ([]*model.SharedAccess, error) {
	return s.shares.ListByRecord(ctx, ownerID, recordID)
}

// FetchShared выдаёт запись по токену ссылки: проверяет отзыв, срок и
// лимит просмотров, увеличивает счётчик, пишет анонимное событие view.
// Владелец записи для выдачи не требуется — изоляция владельцев здесь
// намеренно обходится самим фактом обладания токеном.
func (s *ShareService) FetchShared(ctx context.Context, token, userAgent string) (*FetchResult, error) {
	share, err := s.shares.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if !share.Usable(time.Now().UTC()) {
		// Отзыв и истечение различимы для вызывающего кода;
		// исчерпанный лимит просмотров приравнен к истечению
		if share.RevokedAt != nil {
			return nil, ErrShareRevoked
		}
		return nil, ErrShareExpired
	}

	// Запись читается от имени владельца ссылки
	rec, err := s.records.GetByID(ctx, share.OwnerID, share.RecordID)
	if err != nil {
		return nil, err
	}

	if err := s.shares.IncrementViews(ctx, share.ID); err != nil {
		// Счётчик не должен блокировать выдачу
		s.logger.Warn("Инкремент просмотров не удался",
			slog.String("share_id", share.ID),
			slog.String("error", err.Error()),
		)
	}

	result := &FetchResult{Record: rec}
	if ciphertext, err := s.blobs.Get(ctx, rec.ContentAddress); err == nil {
		result.Ciphertext = ciphertext
	} else {
		result.BlobUnavailable = true
	}

	// Анонимное событие: user_id NULL, ссылка указана
	s.appendLog(ctx, rec.ID, nil, &share.ID, model.ActionView, userAgent)
	return result, nil
}

// appendLog — best-effort запись в журнал, как в RecordService.
func (s *ShareService) appendLog(ctx context.Context, recordID string, userID, sharedAccessID *string, action model.AccessAction, userAgent string) {
	entry := &model.AccessLogEntry{
		ID:             uuid.New().String(),
		RecordID:       recordID,
		UserID:         userID,
		SharedAccessID: sharedAccessID,
		Action:         action,
		UserAgent:      userAgent,
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		accessLogFailuresTotal.Inc()
		s.logger.Warn("Запись в журнал доступа не удалась",
			slog.String("record_id", recordID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()),
		)
	}
}

// newShareToken генерирует криптографически случайный токен ссылки.
func newShareToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
