// records.go — обработчики /api/v1/records.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/vitavault/vitavault/internal/api/errors"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/ipfsclient"
	"github.com/vitavault/vitavault/internal/repository"
	"github.com/vitavault/vitavault/internal/service"
)

// RecordsHandler — обработчик операций над записями.
type RecordsHandler struct {
	records *service.RecordService
	logger  *slog.Logger
}

// NewRecordsHandler создаёт обработчик записей.
func NewRecordsHandler(records *service.RecordService, logger *slog.Logger) *RecordsHandler {
	return &RecordsHandler{
		records: records,
		logger:  logger.With(slog.String("component", "records_handler")),
	}
}

// recordResponse — запись в ответах API.
type recordResponse struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	ContentAddress   string          `json:"contentAddress"`
	OriginalFilename string          `json:"originalFilename"`
	Category         string          `json:"category"`
	DocumentDate     *string         `json:"documentDate,omitempty"`
	EncryptionDigest string          `json:"encryptionDigest"`
	AccessPredicate  json.RawMessage `json:"accessPredicate"`
	ExtractedSummary json.RawMessage `json:"extractedSummary,omitempty"`
	Tags             []string        `json:"tags"`
	CreatedAt        time.Time       `json:"createdAt"`
}

func toRecordResponse(rec *model.Record) recordResponse {
	resp := recordResponse{
		ID:               rec.ID,
		OwnerID:          rec.OwnerID,
		ContentAddress:   rec.ContentAddress,
		OriginalFilename: rec.OriginalFilename,
		Category:         string(rec.Category),
		EncryptionDigest: rec.EncryptionDigest,
		AccessPredicate:  rec.AccessPredicate,
		ExtractedSummary: rec.ExtractedSummary,
		Tags:             rec.Tags,
		CreatedAt:        rec.CreatedAt,
	}
	if rec.DocumentDate != nil {
		d := rec.DocumentDate.Format("2006-01-02")
		resp.DocumentDate = &d
	}
	return resp
}

// listResponse — ответ GET /api/v1/records.
type listResponse struct {
	Records []recordResponse `json:"records"`
	Total   int              `json:"total"`
	HasMore bool             `json:"hasMore"`
}

// List — GET /api/v1/records?category=&limit=&offset=.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записей")
		return
	}

	filters := repository.RecordListFilters{}
	if v := r.URL.Query().Get("category"); v != "" {
		category := model.DocumentCategory(v)
		if !model.ValidCategory(category) {
			apierrors.ValidationError(w, "Недопустимая категория документа")
			return
		}
		filters.Category = &category
	}
	limit, offset := paginationDefaults(r)

	result, err := h.records.List(r.Context(), owner, filters, limit, offset)
	if err != nil {
		h.logger.Error("Ошибка листинга записей", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при листинге записей")
		return
	}

	resp := listResponse{
		Records: make([]recordResponse, 0, len(result.Records)),
		Total:   result.Total,
		HasMore: result.HasMore,
	}
	for _, rec := range result.Records {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// getResponse — ответ GET /api/v1/records/{id}: метаданные всегда,
// шифротекст по возможности.
type getResponse struct {
	recordResponse
	Ciphertext      string `json:"ciphertext,omitempty"`
	BlobUnavailable bool   `json:"blobUnavailable,omitempty"`
}

// Get — GET /api/v1/records/{id}.
// Чужая или несуществующая запись — одинаковые 404.
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	}
	recordID := chi.URLParam(r, "id")

	result, err := h.records.Fetch(r.Context(), owner, recordID, r.UserAgent())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Запись не найдена")
			return
		}
		h.logger.Error("Ошибка выдачи записи",
			slog.String("record_id", recordID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при выдаче записи")
		return
	}

	resp := getResponse{
		recordResponse:  toRecordResponse(result.Record),
		BlobUnavailable: result.BlobUnavailable,
	}
	if result.Ciphertext != nil {
		resp.Ciphertext = base64.StdEncoding.EncodeToString(result.Ciphertext)
	}
	writeJSON(w, http.StatusOK, resp)
}

// createRequest — тело POST /api/v1/records.
type createRequest struct {
	OwnerID          string          `json:"ownerId"`
	Ciphertext       string          `json:"ciphertext"`
	Digest           string          `json:"digest"`
	AccessPredicate  json.RawMessage `json:"accessPredicate"`
	Category         string          `json:"category"`
	DocumentDate     *string         `json:"documentDate"`
	OriginalFilename string          `json:"originalFilename"`
	ExtractedSummary json.RawMessage `json:"extractedSummary"`
	Tags             []string        `json:"tags"`
}

// createResponse — ответ POST /api/v1/records.
type createResponse struct {
	RecordID       string    `json:"recordId"`
	ContentAddress string    `json:"contentAddress"`
	Timestamp      time.Time `json:"timestamp"`
}

// Create — POST /api/v1/records.
// Шифрование выполнено клиентом; сервер размещает шифротекст и
// фиксирует метаданные. 400 при отсутствии обязательных полей.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса")
		return
	}

	// При включённой аутентификации владелец — из токена
	if owner := ownerID(r); owner != "" {
		req.OwnerID = owner
	}

	switch {
	case req.OwnerID == "":
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	case req.Ciphertext == "":
		apierrors.ValidationError(w, "Отсутствует шифротекст")
		return
	case req.Digest == "":
		apierrors.ValidationError(w, "Отсутствует дайджест шифрования")
		return
	case len(req.AccessPredicate) == 0:
		apierrors.ValidationError(w, "Отсутствует предикат доступа")
		return
	case req.OriginalFilename == "":
		apierrors.ValidationError(w, "Отсутствует имя файла")
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		apierrors.ValidationError(w, "Шифротекст не в кодировке base64")
		return
	}

	category := model.DocumentCategory(req.Category)
	if req.Category == "" {
		category = model.CategoryUnknown
	}
	if !model.ValidCategory(category) {
		apierrors.ValidationError(w, "Недопустимая категория документа")
		return
	}

	var documentDate *time.Time
	if req.DocumentDate != nil {
		d, err := time.Parse("2006-01-02", *req.DocumentDate)
		if err != nil {
			apierrors.ValidationError(w, "Дата документа не в формате YYYY-MM-DD")
			return
		}
		documentDate = &d
	}

	rec, err := h.records.Create(r.Context(), service.CreateParams{
		OwnerID:          req.OwnerID,
		Ciphertext:       ciphertext,
		Digest:           req.Digest,
		AccessPredicate:  req.AccessPredicate,
		Category:         category,
		DocumentDate:     documentDate,
		OriginalFilename: req.OriginalFilename,
		ExtractedSummary: req.ExtractedSummary,
		Tags:             req.Tags,
	})
	if err != nil {
		if errors.Is(err, ipfsclient.ErrNetworkUnavailable) {
			apierrors.NetworkUnavailable(w, "Хранилище шифротекста недоступно, повторите попытку")
			return
		}
		h.logger.Error("Ошибка создания записи", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при создании записи")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		RecordID:       rec.ID,
		ContentAddress: rec.ContentAddress,
		Timestamp:      rec.CreatedAt,
	})
}

// Delete — DELETE /api/v1/records/{id}: soft delete + best-effort
// открепление блоба.
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	}
	recordID := chi.URLParam(r, "id")

	if err := h.records.Delete(r.Context(), owner, recordID, r.UserAgent()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Запись не найдена")
			return
		}
		h.logger.Error("Ошибка удаления записи",
			slog.String("record_id", recordID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при удалении записи")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
