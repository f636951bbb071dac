// shares.go — обработчики разделяемых ссылок доступа.
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
	"github.com/vitavault/vitavault/internal/repository"
	"github.com/vitavault/vitavault/internal/service"
)

// SharesHandler — обработчик операций над разделяемыми ссылками.
type SharesHandler struct {
	shares *service.ShareService
	logger *slog.Logger
}

// NewSharesHandler создаёт обработчик разделяемых ссылок.
func NewSharesHandler(shares *service.ShareService, logger *slog.Logger) *SharesHandler {
	return &SharesHandler{
		shares: shares,
		logger: logger.With(slog.String("component", "shares_handler")),
	}
}

// shareResponse — ссылка в ответах API.
type shareResponse struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"recordId"`
	ShareToken     string     `json:"shareToken"`
	RecipientEmail *string    `json:"recipientEmail,omitempty"`
	CanDownload    bool       `json:"canDownload"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	MaxViews       *int       `json:"maxViews,omitempty"`
	ViewCount      int        `json:"viewCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

func toShareResponse(sh *model.SharedAccess) shareResponse {
	return shareResponse{
		ID:             sh.ID,
		RecordID:       sh.RecordID,
		ShareToken:     sh.ShareToken,
		RecipientEmail: sh.RecipientEmail,
		CanDownload:    sh.CanDownload,
		ExpiresAt:      sh.ExpiresAt,
		MaxViews:       sh.MaxViews,
		ViewCount:      sh.ViewCount,
		CreatedAt:      sh.CreatedAt,
		LastAccessedAt: sh.LastAccessedAt,
		RevokedAt:      sh.RevokedAt,
	}
}

// createShareRequest — тело POST /api/v1/records/{id}/shares.
type createShareRequest struct {
	RecipientEmail  string  `json:"recipientEmail"`
	RecipientWallet string  `json:"recipientWallet"`
	CanDownload     bool    `json:"canDownload"`
	ExpiresAt       *string `json:"expiresAt"`
	MaxViews        *int    `json:"maxViews"`
}

// createShareResponse — созданная ссылка плюс расширенный предикат,
// если указан кошелёк получателя.
type createShareResponse struct {
	shareResponse
	ExtendedPredicate json.RawMessage `json:"extendedPredicate,omitempty"`
}

// Create — POST /api/v1/records/{id}/shares.
func (h *SharesHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	}
	recordID := chi.URLParam(r, "id")

	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса")
		return
	}

	opts := service.ShareOptions{
		RecipientEmail:  req.RecipientEmail,
		RecipientWallet: req.RecipientWallet,
		CanDownload:     req.CanDownload,
		MaxViews:        req.MaxViews,
	}
	if req.MaxViews != nil && *req.MaxViews <= 0 {
		apierrors.ValidationError(w, "Лимит просмотров должен быть положительным")
		return
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			apierrors.ValidationError(w, "Срок действия не в формате RFC 3339")
			return
		}
		opts.ExpiresAt = &t
	}

	result, err := h.shares.Create(r.Context(), owner, recordID, opts)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Запись не найдена")
			return
		}
		h.logger.Error("Ошибка создания ссылки",
			slog.String("record_id", recordID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при создании ссылки")
		return
	}

	resp := createShareResponse{shareResponse: toShareResponse(result.Share)}
	if result.ExtendedPredicate != nil {
		if raw, err := result.ExtendedPredicate.Marshal(); err == nil {
			resp.ExtendedPredicate = raw
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// List — GET /api/v1/records/{id}/shares.
func (h *SharesHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	}
	recordID := chi.URLParam(r, "id")

	shares, err := h.shares.ListByRecord(r.Context(), owner, recordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Запись не найдена")
			return
		}
		h.logger.Error("Ошибка листинга ссылок",
			slog.String("record_id", recordID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при листинге ссылок")
		return
	}

	resp := make([]shareResponse, 0, len(shares))
	for _, sh := range shares {
		resp = append(resp, toShareResponse(sh))
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": resp})
}

// Revoke — DELETE /api/v1/shares/{id}?recordId=.
func (h *SharesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.ValidationError(w, "Не указан владелец записи")
		return
	}
	shareID := chi.URLParam(r, "id")
	recordID := r.URL.Query().Get("recordId")
	if recordID == "" {
		apierrors.ValidationError(w, "Не указан идентификатор записи")
		return
	}

	if err := h.shares.Revoke(r.Context(), owner, shareID, recordID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Ссылка не найдена")
			return
		}
		h.logger.Error("Ошибка отзыва ссылки",
			slog.String("share_id", shareID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при отзыве ссылки")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// FetchShared — GET /api/v1/shared/{token}.
// Не требует аутентификации: доступ определяется токеном ссылки.
func (h *SharesHandler) FetchShared(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := h.shares.FetchShared(r.Context(), token, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			apierrors.NotFound(w, "Ссылка не найдена")
		case errors.Is(err, service.ErrShareRevoked):
			apierrors.ShareRevoked(w, "Ссылка отозвана владельцем")
		case errors.Is(err, service.ErrShareExpired):
			apierrors.ShareExpired(w, "Срок действия ссылки истёк")
		default:
			h.logger.Error("Ошибка выдачи по ссылке", slog.String("error", err.Error()))
			apierrors.InternalError(w, "Внутренняя ошибка при выдаче по ссылке")
		}
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
