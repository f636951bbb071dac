// records_test.go — тесты HTTP-обработчиков записей и ссылок.
package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vitavault/vitavault/internal/domain/access"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/repository"
	"github.com/vitavault/vitavault/internal/service"
)

// --- Фейки репозиториев в памяти ---

type memRecords struct {
	items map[string]*model.Record
}

func newMemRecords() *memRecords {
	return &memRecords{items: make(map[string]*model.Record)}
}

func (m *memRecords) Create(_ context.Context, rec *model.Record) error {
	if _, ok := m.items[rec.ID]; ok {
		return repository.ErrConflict
	}
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	m.items[rec.ID] = &cp
	return nil
}

func (m *memRecords) GetByID(_ context.Context, ownerID, recordID string) (*model.Record, error) {
	rec, ok := m.items[recordID]
	if !ok || rec.OwnerID != ownerID || rec.IsDeleted() {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecords) List(_ context.Context, ownerID string, filters repository.RecordListFilters, limit, offset int) ([]*model.Record, int, error) {
	var all []*model.Record
	for _, rec := range m.items {
		if rec.OwnerID != ownerID || rec.IsDeleted() {
			continue
		}
		if filters.Category != nil && rec.Category != *filters.Category {
			continue
		}
		cp := *rec
		all = append(all, &cp)
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memRecords) SoftDelete(_ context.Context, ownerID, recordID string) error {
	rec, ok := m.items[recordID]
	if !ok || rec.OwnerID != ownerID || rec.IsDeleted() {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	rec.DeletedAt = &now
	return nil
}

type memLogs struct {
	entries []*model.AccessLogEntry
}

func (m *memLogs) Append(_ context.Context, entry *model.AccessLogEntry) error {
	entry.CreatedAt = time.Now().UTC()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLogs) ListByRecord(_ context.Context, recordID string, _ int) ([]*model.AccessLogEntry, error) {
	var out []*model.AccessLogEntry
	for _, e := range m.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memShares struct {
	items map[string]*model.SharedAccess
}

func newMemShares() *memShares {
	return &memShares{items: make(map[string]*model.SharedAccess)}
}

func (m *memShares) Create(_ context.Context, share *model.SharedAccess) error {
	share.CreatedAt = time.Now().UTC()
	cp := *share
	m.items[share.ID] = &cp
	return nil
}

func (m *memShares) GetByToken(_ context.Context, token string) (*model.SharedAccess, error) {
	for _, sh := range m.items {
		if sh.ShareToken == token {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memShares) ListByRecord(_ context.Context, ownerID, recordID string) ([]*model.SharedAccess, error) {
	var out []*model.SharedAccess
	for _, sh := range m.items {
		if sh.OwnerID == ownerID && sh.RecordID == recordID {
			cp := *sh
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memShares) IncrementViews(_ context.Context, shareID string) error {
	sh, ok := m.items[shareID]
	if !ok {
		return repository.ErrNotFound
	}
	sh.ViewCount++
	now := time.Now().UTC()
	sh.LastAccessedAt = &now
	return nil
}

func (m *memShares) Revoke(_ context.Context, ownerID, shareID string) error {
	sh, ok := m.items[shareID]
	if !ok || sh.OwnerID != ownerID || sh.RevokedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	sh.RevokedAt = &now
	return nil
}

type memBlobs struct {
	blobs  map[string][]byte
	putErr error // следующий Put вернёт эту ошибку и сбросит её
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, data []byte, _ string, _ map[string]string) (string, error) {
	if m.putErr != nil {
		err := m.putErr
		m.putErr = nil
		return "", err
	}
	cid := fmt.Sprintf("bafytest%d", len(m.blobs)+1)
	m.blobs[cid] = data
	return cid, nil
}

func (m *memBlobs) Get(_ context.Context, cid string) ([]byte, error) {
	data, ok := m.blobs[cid]
	if !ok {
		return nil, fmt.Errorf("блоб %s не найден", cid)
	}
	return data, nil
}

func (m *memBlobs) Unpin(_ context.Context, _ string) {}

// --- Тестовое окружение ---

type testEnv struct {
	records *memRecords
	shares  *memShares
	blobs   *memBlobs
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	records := newMemRecords()
	shares := newMemShares()
	blobs := newMemBlobs()
	logs := &memLogs{}
	cache := service.NewCacheService(16, time.Minute)

	recordSvc := service.NewRecordService(records, logs, blobs, cache, logger)
	shareSvc := service.NewShareService(shares, records, logs, blobs, logger)

	rh := NewRecordsHandler(recordSvc, logger)
	sh := NewSharesHandler(shareSvc, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/records", rh.List)
		r.Post("/records", rh.Create)
		r.Get("/records/{id}", rh.Get)
		r.Delete("/records/{id}", rh.Delete)
		r.Post("/records/{id}/shares", sh.Create)
		r.Get("/records/{id}/shares", sh.List)
		r.Delete("/shares/{id}", sh.Revoke)
		r.Get("/shared/{token}", sh.FetchShared)
	})

	return &testEnv{records: records, shares: shares, blobs: blobs, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("сериализация тела запроса: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedRecord(t *testing.T, ownerID string) *model.Record {
	t.Helper()
	cid, err := e.blobs.Put(context.Background(), []byte("шифротекст"), "doc", nil)
	if err != nil {
		t.Fatalf("размещение блоба: %v", err)
	}
	owner, err := access.BuildOwner("0x" + strings.Repeat("12", 20))
	if err != nil {
		t.Fatalf("построение предиката: %v", err)
	}
	predicate, err := owner.Marshal()
	if err != nil {
		t.Fatalf("сериализация предиката: %v", err)
	}
	rec := &model.Record{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		ContentAddress:   cid,
		OriginalFilename: "analysis.pdf",
		Category:         model.CategoryLabReport,
		EncryptionDigest: "digest-1",
		AccessPredicate:  predicate,
		Tags:             []string{"lab_report"},
	}
	if err := e.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("создание записи: %v", err)
	}
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор тела ошибки: %v", err)
	}
	return body.Error.Code
}

// --- Тесты ---

func TestCreateRecord_MissingFields(t *testing.T) {
	env := newTestEnv(t)

	base := map[string]any{
		"ownerId":          "user-1",
		"ciphertext":       base64.StdEncoding.EncodeToString([]byte("data")),
		"digest":           "digest-1",
		"accessPredicate":  json.RawMessage(`{"conditions":[],"operators":[]}`),
		"originalFilename": "analysis.pdf",
	}

	for _, field := range []string{"ownerId", "ciphertext", "digest", "accessPredicate", "originalFilename"} {
		body := make(map[string]any, len(base))
		for k, v := range base {
			if k != field {
				body[k] = v
			}
		}
		rec := env.do(t, http.MethodPost, "/api/v1/records", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("без поля %s: статус = %d, ожидали 400", field, rec.Code)
		}
	}
}

func TestCreateRecord_Success(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{
		"ownerId":          "user-1",
		"ciphertext":       base64.StdEncoding.EncodeToString([]byte("зашифрованный бандл")),
		"digest":           "digest-1",
		"accessPredicate":  json.RawMessage(`{"conditions":[],"operators":[]}`),
		"originalFilename": "analysis.pdf",
		"category":         "lab_report",
		"documentDate":     "2026-03-15",
		"tags":             []string{"lab_report", "2026"},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/records", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("статус = %d, ожидали 201: %s", rec.Code, rec.Body.String())
	}

	var resp createResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if resp.RecordID == "" || resp.ContentAddress == "" {
		t.Errorf("пустые идентификаторы в ответе: %+v", resp)
	}
	if _, ok := env.blobs.blobs[resp.ContentAddress]; !ok {
		t.Error("шифротекст не размещён в хранилище")
	}
}

func TestGetRecord_NotOwnedIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedRecord(t, "user-1")

	// Чужая запись неотличима от несуществующей.
	resp := env.do(t, http.MethodGet, "/api/v1/records/"+rec.ID+"?ownerId=user-2", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("чужая запись: статус = %d, ожидали 404", resp.Code)
	}
	missing := env.do(t, http.MethodGet, "/api/v1/records/"+uuid.NewString()+"?ownerId=user-2", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("несуществующая запись: статус = %d, ожидали 404", missing.Code)
	}
	if errorCode(t, resp) != errorCode(t, missing) {
		t.Error("коды ошибок для чужой и несуществующей записи различаются")
	}
}

func TestGetRecord_ReturnsCiphertext(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seedRecord(t, "user-1")

	resp := env.do(t, http.MethodGet, "/api/v1/records/"+seeded.ID+"?ownerId=user-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200: %s", resp.Code, resp.Body.String())
	}

	var body getResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if body.BlobUnavailable {
		t.Error("блоб неожиданно помечен недоступным")
	}
	got, err := base64.StdEncoding.DecodeString(body.Ciphertext)
	if err != nil {
		t.Fatalf("декодирование шифротекста: %v", err)
	}
	if string(got) != "шифротекст" {
		t.Errorf("шифротекст = %q", got)
	}
}

func TestListRecords_HasMore(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.seedRecord(t, "user-1")
	}

	resp := env.do(t, http.MethodGet, "/api/v1/records?ownerId=user-1&limit=2&offset=0", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидали 200", resp.Code)
	}
	var body listResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if len(body.Records) != 2 || body.Total != 5 || !body.HasMore {
		t.Errorf("страница 1: records=%d total=%d hasMore=%v", len(body.Records), body.Total, body.HasMore)
	}

	// Последняя страница короче лимита — hasMore=false.
	resp = env.do(t, http.MethodGet, "/api/v1/records?ownerId=user-1&limit=2&offset=4", nil)
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if len(body.Records) != 1 || body.HasMore {
		t.Errorf("страница 3: records=%d hasMore=%v", len(body.Records), body.HasMore)
	}
}

func TestListRecords_InvalidCategory(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/records?ownerId=user-1&category=homeopathy", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидали 400", resp.Code)
	}
}

func TestDeleteRecord(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seedRecord(t, "user-1")

	resp := env.do(t, http.MethodDelete, "/api/v1/records/"+seeded.ID+"?ownerId=user-1", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("статус = %d, ожидали 204", resp.Code)
	}
	// Повторное удаление и последующее чтение — 404.
	resp = env.do(t, http.MethodDelete, "/api/v1/records/"+seeded.ID+"?ownerId=user-1", nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("повторное удаление: статус = %d, ожидали 404", resp.Code)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/records/"+seeded.ID+"?ownerId=user-1", nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("чтение удалённой: статус = %d, ожидали 404", resp.Code)
	}
}

func TestShare_CreateAndFetch(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seedRecord(t, "user-1")

	resp := env.do(t, http.MethodPost, "/api/v1/records/"+seeded.ID+"/shares?ownerId=user-1", map[string]any{
		"recipientEmail":  "doctor@example.com",
		"recipientWallet": "0x" + strings.Repeat("ab", 20),
		"canDownload":     true,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("создание ссылки: статус = %d: %s", resp.Code, resp.Body.String())
	}
	var created createShareResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if created.ShareToken == "" {
		t.Fatal("пустой токен ссылки")
	}
	if len(created.ExtendedPredicate) == 0 {
		t.Error("расширенный предикат не возвращён при указанном кошельке")
	}

	// Предъявитель токена получает запись без аутентификации.
	fetched := env.do(t, http.MethodGet, "/api/v1/shared/"+created.ShareToken, nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("выдача по ссылке: статус = %d: %s", fetched.Code, fetched.Body.String())
	}
	var body getResponse
	if err := json.Unmarshal(fetched.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	if body.ID != seeded.ID {
		t.Errorf("выдана запись %s, ожидали %s", body.ID, seeded.ID)
	}
}

func TestShare_RevokedAndExpiredCodes(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seedRecord(t, "user-1")

	// Отозванная ссылка.
	resp := env.do(t, http.MethodPost, "/api/v1/records/"+seeded.ID+"/shares?ownerId=user-1", map[string]any{})
	var revokedShare createShareResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &revokedShare); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	del := env.do(t, http.MethodDelete, "/api/v1/shares/"+revokedShare.ID+"?ownerId=user-1&recordId="+seeded.ID, nil)
	if del.Code != http.StatusNoContent {
		t.Fatalf("отзыв: статус = %d: %s", del.Code, del.Body.String())
	}
	got := env.do(t, http.MethodGet, "/api/v1/shared/"+revokedShare.ShareToken, nil)
	if got.Code != http.StatusGone || errorCode(t, got) != "SHARE_REVOKED" {
		t.Errorf("отозванная ссылка: статус = %d, код = %s", got.Code, errorCode(t, got))
	}

	// Истёкшая ссылка.
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp = env.do(t, http.MethodPost, "/api/v1/records/"+seeded.ID+"/shares?ownerId=user-1", map[string]any{
		"expiresAt": past,
	})
	var expiredShare createShareResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &expiredShare); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}
	got = env.do(t, http.MethodGet, "/api/v1/shared/"+expiredShare.ShareToken, nil)
	if got.Code != http.StatusGone || errorCode(t, got) != "SHARE_EXPIRED" {
		t.Errorf("истёкшая ссылка: статус = %d, код = %s", got.Code, errorCode(t, got))
	}

	// Неизвестный токен — 404.
	got = env.do(t, http.MethodGet, "/api/v1/shared/nonexistent", nil)
	if got.Code != http.StatusNotFound {
		t.Errorf("неизвестный токен: статус = %d, ожидали 404", got.Code)
	}
}

func TestShare_RevokeForeignIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	seeded := env.seedRecord(t, "user-1")

	resp := env.do(t, http.MethodPost, "/api/v1/records/"+seeded.ID+"/shares?ownerId=user-1", map[string]any{})
	var created createShareResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("разбор ответа: %v", err)
	}

	del := env.do(t, http.MethodDelete, "/api/v1/shares/"+created.ID+"?ownerId=user-2&recordId="+seeded.ID, nil)
	if del.Code != http.StatusNotFound {
		t.Errorf("чужой отзыв: статус = %d, ожидали 404", del.Code)
	}
}
