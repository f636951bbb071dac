// scan.go — обработчики /api/v1/scans: сканирование документа.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/vitavault/vitavault/internal/api/errors"
	"github.com/vitavault/vitavault/internal/api/middleware"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/domain/pipeline"
	"github.com/vitavault/vitavault/internal/extraction"
	"github.com/vitavault/vitavault/internal/ipfsclient"
	"github.com/vitavault/vitavault/internal/litclient"
	"github.com/vitavault/vitavault/internal/service"
)

// ScanHandler — обработчик сессий сканирования.
type ScanHandler struct {
	scans      *service.ScanService
	maxDocSize int64
	logger     *slog.Logger
}

// NewScanHandler создаёт обработчик сканирования.
func NewScanHandler(scans *service.ScanService, maxDocSize int64, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		scans:      scans,
		maxDocSize: maxDocSize,
		logger:     logger.With(slog.String("component", "scan_handler")),
	}
}

// scanResponse — состояние сессии в ответах API.
type scanResponse struct {
	ScanID             string                   `json:"scanId"`
	State              string                   `json:"state"`
	Step               string                   `json:"step,omitempty"`
	AwaitingCredential bool                     `json:"awaitingCredential"`
	Extracted          *model.ExtractedDocument `json:"extracted,omitempty"`
	Failure            string                   `json:"failure,omitempty"`
	Record             *recordResponse          `json:"record,omitempty"`
}

func toScanResponse(status *service.ScanStatus) scanResponse {
	resp := scanResponse{
		ScanID:             status.ScanID,
		State:              string(status.State),
		Step:               string(status.Step),
		AwaitingCredential: status.AwaitingCredential,
		Extracted:          status.Extracted,
		Failure:            status.Failure,
	}
	if status.Record != nil {
		rec := toRecordResponse(status.Record)
		resp.Record = &rec
	}
	return resp
}

// requestWallet выбирает кошелёк: утверждение из JWT приоритетнее
// значения из тела запроса.
func requestWallet(r *http.Request, fromBody string) string {
	if identity, ok := middleware.IdentityFromContext(r.Context()); ok && identity.Wallet != "" {
		return identity.Wallet
	}
	return fromBody
}

// Start — POST /api/v1/scans. Multipart: поле document — файл,
// поле wallet — опциональный адрес кошелька.
func (h *ScanHandler) Start(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		apierrors.Unauthorized(w, "Владелец не определён")
		return
	}

	// Лимит на тело целиком: документ плюс накладные расходы multipart
	r.Body = http.MaxBytesReader(w, r.Body, h.maxDocSize+64*1024)
	if err := r.ParseMultipartForm(h.maxDocSize); err != nil {
		apierrors.ValidationError(w, "Некорректная multipart-форма или документ превышает допустимый размер")
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		apierrors.ValidationError(w, "Поле document обязательно")
		return
	}
	defer file.Close()

	document, err := io.ReadAll(file)
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать документ")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(document)
	}
	wallet := requestWallet(r, r.FormValue("wallet"))

	status, err := h.scans.Start(r.Context(), owner, wallet, document, mimeType, header.Filename)
	if err != nil {
		h.writeScanError(w, err)
		return
	}

	h.logger.Info("Сканирование начато",
		slog.String("scan_id", status.ScanID),
		slog.String("owner_id", owner),
	)
	writeJSON(w, http.StatusCreated, toScanResponse(status))
}

// Get — GET /api/v1/scans/{scanId}.
func (h *ScanHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.scans.Get(ownerID(r), chi.URLParam(r, "scanId"))
	if err != nil {
		h.writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(status))
}

// SetData — PUT /api/v1/scans/{scanId}/data. Тело — исправленные
// пользователем извлечённые данные.
func (h *ScanHandler) SetData(w http.ResponseWriter, r *http.Request) {
	var doc model.ExtractedDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return
	}

	status, err := h.scans.SetEdited(ownerID(r), chi.URLParam(r, "scanId"), &doc)
	if err != nil {
		h.writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(status))
}

// walletRequest — тело запросов подтверждения и предъявления
// учётных данных.
type walletRequest struct {
	Wallet string `json:"wallet"`
}

// decodeWallet читает опциональное тело с кошельком; пустое тело допустимо.
func decodeWallet(r *http.Request) string {
	var req walletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ""
	}
	return req.Wallet
}

// Confirm — POST /api/v1/scans/{scanId}/confirm.
// Без кошелька сессия остаётся в ожидании учётных данных — 202.
func (h *ScanHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	wallet := requestWallet(r, decodeWallet(r))

	status, err := h.scans.Confirm(r.Context(), ownerID(r), chi.URLParam(r, "scanId"), wallet)
	if err != nil {
		h.writeScanError(w, err)
		return
	}
	if status.AwaitingCredential {
		writeJSON(w, http.StatusAccepted, toScanResponse(status))
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(status))
}

// Credential — POST /api/v1/scans/{scanId}/credential.
// Предъявляет кошелёк и продолжает отложенное подтверждение.
func (h *ScanHandler) Credential(w http.ResponseWriter, r *http.Request) {
	wallet := requestWallet(r, decodeWallet(r))
	if wallet == "" {
		apierrors.ValidationError(w, "Адрес кошелька обязателен")
		return
	}

	status, err := h.scans.CredentialAvailable(r.Context(), ownerID(r), chi.URLParam(r, "scanId"), wallet)
	if err != nil {
		h.writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(status))
}

// Retry — POST /api/v1/scans/{scanId}/retry. Повтор после сбоя
// шифрования или размещения; извлечение не повторяется.
func (h *ScanHandler) Retry(w http.ResponseWriter, r *http.Request) {
	status, err := h.scans.Retry(r.Context(), ownerID(r), chi.URLParam(r, "scanId"))
	if err != nil {
		h.writeScanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanResponse(status))
}

// Cancel — DELETE /api/v1/scans/{scanId}.
func (h *ScanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.scans.Cancel(ownerID(r), chi.URLParam(r, "scanId")); err != nil {
		h.writeScanError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeScanError отображает ошибки сканирования на ответы API.
func (h *ScanHandler) writeScanError(w http.ResponseWriter, err error) {
	var extErr *extraction.Error
	var transErr *pipeline.TransitionError

	switch {
	case errors.Is(err, service.ErrScanNotFound):
		apierrors.NotFound(w, "Сессия сканирования не найдена")
	case errors.Is(err, service.ErrExtractionUnavailable):
		apierrors.NetworkUnavailable(w, "Извлечение данных не сконфигурировано")
	case errors.Is(err, service.ErrDocumentTooLarge):
		apierrors.ValidationError(w, "Документ превышает допустимый размер")
	case errors.Is(err, pipeline.ErrNoDocument):
		apierrors.ValidationError(w, "Документ не загружен")
	case errors.Is(err, pipeline.ErrNothingToRetry):
		apierrors.Conflict(w, "Нет сбоя для повторной попытки")
	case errors.As(err, &transErr):
		apierrors.Conflict(w, "Операция несовместима с текущим состоянием сессии")
	case errors.As(err, &extErr):
		if extErr.Retryable() {
			apierrors.NetworkUnavailable(w, "Извлечение данных временно недоступно, повторите попытку")
			return
		}
		apierrors.ValidationError(w, "Документ не распознан как медицинский")
	case errors.Is(err, litclient.ErrNetworkUnavailable) || errors.Is(err, ipfsclient.ErrNetworkUnavailable):
		apierrors.NetworkUnavailable(w, "Внешний сервис недоступен, повторите попытку")
	default:
		h.logger.Error("Ошибка сессии сканирования", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
