// handler.go — основной обработчик API.
// Объединяет health и бизнес-обработчики, делегируя запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vitavault/vitavault/internal/api/middleware"
)

// ownerID извлекает владельца запроса: из аутентифицированной идентичности,
// а при отключённой аутентификации (dev-режим) — из параметра ownerId.
func ownerID(r *http.Request) string {
	if identity, ok := middleware.IdentityFromContext(r.Context()); ok {
		return identity.UserID
	}
	return r.URL.Query().Get("ownerId")
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации из query string.
func paginationDefaults(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
