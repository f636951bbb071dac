// records.go — выдача, листинг, создание и удаление записей.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/ipfsclient"
	"github.com/vitavault/vitavault/internal/repository"
)

// accessLogFailuresTotal — сбои записи в журнал доступа. Журнал
// best-effort: сбой не блокирует основную операцию и виден только здесь.
var accessLogFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vv_access_log_failures_total",
	Help: "Количество проглоченных сбоев записи в журнал доступа.",
})

// BlobFetcher — чтение и открепление блобов хранилища.
// Реализуется ipfsclient.Client.
type BlobFetcher interface {
	Put(ctx context.Context, data []byte, name string, keyvalues map[string]string) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
	Unpin(ctx context.Context, cid string)
}

// FetchResult — результат выдачи записи: метаданные всегда,
// шифротекст — по возможности.
type FetchResult struct {
	Record     *model.Record
	Ciphertext []byte
	// BlobUnavailable — хранилище не отдало шифротекст; метаданные
	// при этом остаются пригодными для отображения
	BlobUnavailable bool
}

// RecordService — операции над записями от имени владельца.
type RecordService struct {
	records repository.RecordRepository
	logs    repository.AccessLogRepository
	blobs   BlobFetcher
	cache   *CacheService
	logger  *slog.Logger
}

// NewRecordService создаёт сервис записей.
func NewRecordService(
	records repository.RecordRepository,
	logs repository.AccessLogRepository,
	blobs BlobFetcher,
	cache *CacheService,
	logger *slog.Logger,
) *RecordService {
	return &RecordService{
		records: records,
		logs:    logs,
		blobs:   blobs,
		cache:   cache,
		logger:  logger.With(slog.String("component", "record_service")),
	}
}

// Fetch возвращает запись владельца вместе с шифротекстом.
//
// Сбой чтения блоба НЕ проваливает выдачу: метаданные возвращаются
// с отметкой BlobUnavailable. Событие view пишется в журнал best-effort.
// Чужая или удалённая запись — repository.ErrNotFound.
func (s *RecordService) Fetch(ctx context.Context, ownerID, recordID, userAgent string) (*FetchResult, error) {
	rec, ok := s.cache.Get(ownerID, recordID)
	if !ok {
		var err error
		rec, err = s.records.GetByID(ctx, ownerID, recordID)
		if err != nil {
			return nil, err
		}
		s.cache.Set(rec)
	}

	result := &FetchResult{Record: rec}
	ciphertext, err := s.blobs.Get(ctx, rec.ContentAddress)
	switch {
	case err == nil:
		result.Ciphertext = ciphertext
	case errors.Is(err, ipfsclient.ErrBlobUnavailable):
		result.BlobUnavailable = true
		s.logger.Warn("Шифротекст недоступен, выдаются только метаданные",
			slog.String("record_id", recordID),
			slog.String("cid", rec.ContentAddress),
		)
	default:
		return nil, fmt.Errorf("чтение шифротекста: %w", err)
	}

	s.appendLog(ctx, recordID, &ownerID, nil, model.ActionView, userAgent)
	return result, nil
}

// ListResult — страница листинга.
type ListResult struct {
	Records []*model.Record
	Total   int
	HasMore bool
}

// List возвращает страницу записей владельца.
// hasMore: offset + возвращено < total.
func (s *RecordService) List(ctx context.Context, ownerID string, filters repository.RecordListFilters, limit, offset int) (*ListResult, error) {
	records, total, err := s.records.List(ctx, ownerID, filters, limit, offset)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Records: records,
		Total:   total,
		HasMore: offset+len(records) < total,
	}, nil
}

// CreateParams — параметры прямого создания записи: шифрование и
// подготовка выполнены на стороне клиента, сервер только размещает
// шифротекст и фиксирует метаданные.
type CreateParams struct {
	OwnerID          string
	Ciphertext       []byte
	Digest           string
	AccessPredicate  json.RawMessage
	Category         model.DocumentCategory
	DocumentDate     *time.Time
	OriginalFilename string
	ExtractedSummary json.RawMessage
	Tags             []string
}

// Create размещает шифротекст в хранилище и фиксирует запись.
func (s *RecordService) Create(ctx context.Context, params CreateParams) (*model.Record, error) {
	cid, err := s.blobs.Put(ctx, params.Ciphertext, params.OriginalFilename, map[string]string{
		"owner_id": params.OwnerID,
		"category": string(params.Category),
	})
	if err != nil {
		return nil, fmt.Errorf("размещение шифротекста: %w", err)
	}

	rec := &model.Record{
		ID:               uuid.New().String(),
		OwnerID:          params.OwnerID,
		ContentAddress:   cid,
		OriginalFilename: params.OriginalFilename,
		Category:         params.Category,
		DocumentDate:     params.DocumentDate,
		EncryptionDigest: params.Digest,
		AccessPredicate:  params.AccessPredicate,
		ExtractedSummary: params.ExtractedSummary,
		Tags:             params.Tags,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.cache.Set(rec)
	return rec, nil
}

// Delete выполняет soft delete записи владельца: запись исчезает из
// чтения и листинга, журнал доступа сохраняется, блоб открепляется
// best-effort (содержимое из сети при этом не отзывается).
func (s *RecordService) Delete(ctx context.Context, ownerID, recordID, userAgent string) error {
	rec, err := s.records.GetByID(ctx, ownerID, recordID)
	if err != nil {
		return err
	}

	if err := s.records.SoftDelete(ctx, ownerID, recordID); err != nil {
		return err
	}
	s.cache.Delete(ownerID, recordID)

	s.appendLog(ctx, recordID, &ownerID, nil, model.ActionDelete, userAgent)
	s.blobs.Unpin(ctx, rec.ContentAddress)
	return nil
}

// appendLog пишет событие в журнал доступа best-effort: сбой
// логируется и учитывается метрикой, но никогда не пробрасывается.
func (s *RecordService) appendLog(ctx context.Context, recordID string, userID, sharedAccessID *string, action model.AccessAction, userAgent string) {
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
