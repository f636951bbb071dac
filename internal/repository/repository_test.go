// repository_test.go — интеграционные тесты репозиториев на
// PostgreSQL в testcontainers. Запуск: TEST_INTEGRATION=1 go test ./...
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vitavault/vitavault/internal/config"
	"github.com/vitavault/vitavault/internal/database"
	"github.com/vitavault/vitavault/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; очистка через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("vitavault_test"),
		postgres.WithUsername("vitavault"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("VV_DB_HOST", host)
	os.Setenv("VV_DB_PORT", port.Port())
	os.Setenv("VV_DB_NAME", "vitavault_test")
	os.Setenv("VV_DB_USER", "vitavault")
	os.Setenv("VV_DB_PASSWORD", "test-password")
	os.Setenv("VV_DB_SSL_MODE", "disable")
	os.Setenv("VV_LIT_GATEWAY_URL", "http://localhost:9000")
	os.Setenv("VV_PIN_JWT", "test-jwt")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestRecord создаёт запись с заполненными обязательными полями.
func newTestRecord(ownerID string) *model.Record {
	return &model.Record{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		ContentAddress:   "Qm" + uuid.New().String()[:16],
		OriginalFilename: "blood-test.pdf",
		Category:         model.CategoryLabReport,
		EncryptionDigest: "digest-" + uuid.New().String()[:8],
		AccessPredicate:  json.RawMessage(`[{"conditionType":"evmBasic"}]`),
		ExtractedSummary: json.RawMessage(`{"patient_name":"Иванов"}`),
		Tags:             []string{"lab_report", "иванов"},
	}
}

// --- Тесты RecordRepository ---

func TestRecordCRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	rec := newTestRecord("user-1")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Create должен заполнить CreatedAt")
	}

	got, err := repo.GetByID(ctx, "user-1", rec.ID)
	if err != nil {
		t.Fatalf("GetByID вернул ошибку: %v", err)
	}
	if got.ContentAddress != rec.ContentAddress {
		t.Errorf("ContentAddress = %q, ожидалось %q", got.ContentAddress, rec.ContentAddress)
	}
	if got.Category != model.CategoryLabReport {
		t.Errorf("Category = %q, ожидалось %q", got.Category, model.CategoryLabReport)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Ожидалось 2 тега, получено %d", len(got.Tags))
	}

	// Дублирующийся ID — конфликт
	dup := newTestRecord("user-1")
	dup.ID = rec.ID
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Ожидалась ErrConflict для дубля, получено %v", err)
	}
}

func TestRecordOwnershipIsolation(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	rec := newTestRecord("alice")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	// Чужая запись неотличима от несуществующей
	if _, err := repo.GetByID(ctx, "bob", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Чтение чужой записи: ожидалась ErrNotFound, получено %v", err)
	}
	if err := repo.SoftDelete(ctx, "bob", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Удаление чужой записи: ожидалась ErrNotFound, получено %v", err)
	}

	// Листинг bob не видит записей alice
	records, total, err := repo.List(ctx, "bob", RecordListFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("List вернул ошибку: %v", err)
	}
	if len(records) != 0 || total != 0 {
		t.Errorf("Листинг чужого владельца должен быть пуст, получено %d/%d", len(records), total)
	}
}

func TestRecordSoftDelete(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	rec := newTestRecord("user-sd")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	if err := repo.SoftDelete(ctx, "user-sd", rec.ID); err != nil {
		t.Fatalf("SoftDelete вернул ошибку: %v", err)
	}

	// Удалённая запись исчезает из чтения и листинга
	if _, err := repo.GetByID(ctx, "user-sd", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Чтение удалённой записи: ожидалась ErrNotFound, получено %v", err)
	}
	_, total, err := repo.List(ctx, "user-sd", RecordListFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("List вернул ошибку: %v", err)
	}
	if total != 0 {
		t.Errorf("Удалённая запись не должна попадать в листинг, total = %d", total)
	}

	// Повторное удаление — ErrNotFound
	if err := repo.SoftDelete(ctx, "user-sd", rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный SoftDelete: ожидалась ErrNotFound, получено %v", err)
	}

	// Строка при этом физически остаётся в таблице
	var count int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM medical_records WHERE id = $1 AND deleted_at IS NOT NULL`,
		rec.ID,
	).Scan(&count); err != nil {
		t.Fatalf("Проверка строки: %v", err)
	}
	if count != 1 {
		t.Error("Soft delete не должен физически удалять строку")
	}
}

func TestRecordListPagination(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRecordRepository(pool)

	owner := "user-page"
	for i := range 5 {
		rec := newTestRecord(owner)
		if i%2 == 0 {
			rec.Category = model.CategoryPrescription
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create #%d вернул ошибку: %v", i, err)
		}
	}

	// Первая страница
	page1, total, err := repo.List(ctx, owner, RecordListFilters{}, 2, 0)
	if err != nil {
		t.Fatalf("List вернул ошибку: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, ожидалось 5", total)
	}
	if len(page1) != 2 {
		t.Errorf("Размер первой страницы %d, ожидалось 2", len(page1))
	}

	// Последняя страница короче limit
	page3, total, err := repo.List(ctx, owner, RecordListFilters{}, 2, 4)
	if err != nil {
		t.Fatalf("List вернул ошибку: %v", err)
	}
	if total != 5 || len(page3) != 1 {
		t.Errorf("Последняя страница: total=%d len=%d, ожидалось 5/1", total, len(page3))
	}

	// Сортировка: новые первыми
	all, _, err := repo.List(ctx, owner, RecordListFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("List вернул ошибку: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Error("Записи должны быть отсортированы по created_at DESC")
			break
		}
	}

	// Фильтр по категории
	cat := model.CategoryPrescription
	filtered, total, err := repo.List(ctx, owner, RecordListFilters{Category: &cat}, 10, 0)
	if err != nil {
		t.Fatalf("List с фильтром вернул ошибку: %v", err)
	}
	if total != 3 || len(filtered) != 3 {
		t.Errorf("Фильтр по категории: total=%d len=%d, ожидалось 3/3", total, len(filtered))
	}
}

// --- Тесты AccessLogRepository ---

func TestAccessLogAppend(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	records := NewRecordRepository(pool)
	logs := NewAccessLogRepository(pool)

	rec := newTestRecord("user-log")
	if err := records.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	userID := "user-log"
	for _, action := range []model.AccessAction{model.ActionView, model.ActionDownload} {
		entry := &model.AccessLogEntry{
			ID:        uuid.New().String(),
			RecordID:  rec.ID,
			UserID:    &userID,
			Action:    action,
			UserAgent: "test-agent/1.0",
		}
		if err := logs.Append(ctx, entry); err != nil {
			t.Fatalf("Append(%s) вернул ошибку: %v", action, err)
		}
		if entry.CreatedAt.IsZero() {
			t.Error("Append должен заполнить CreatedAt")
		}
	}

	// Анонимное событие по разделяемой ссылке: user_id NULL
	shareID := uuid.New().String()
	if err := pool.QueryRow(ctx,
		`INSERT INTO shared_access (id, record_id, owner_id, share_token)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		shareID, rec.ID, "user-log", "tok-"+shareID[:8],
	).Scan(&shareID); err != nil {
		t.Fatalf("Вставка ссылки: %v", err)
	}
	anon := &model.AccessLogEntry{
		ID:             uuid.New().String(),
		RecordID:       rec.ID,
		SharedAccessID: &shareID,
		Action:         model.ActionView,
	}
	if err := logs.Append(ctx, anon); err != nil {
		t.Fatalf("Append анонимного события вернул ошибку: %v", err)
	}

	entries, err := logs.ListByRecord(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListByRecord вернул ошибку: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Ожидалось 3 события, получено %d", len(entries))
	}
	// Новые первыми: анонимное событие было последним
	if entries[0].UserID != nil {
		t.Error("Первым должно идти анонимное событие (user_id NULL)")
	}

	// Журнал переживает soft delete записи
	if err := records.SoftDelete(ctx, "user-log", rec.ID); err != nil {
		t.Fatalf("SoftDelete вернул ошибку: %v", err)
	}
	entries, err = logs.ListByRecord(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListByRecord после удаления вернул ошибку: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Журнал должен пережить удаление записи, получено %d событий", len(entries))
	}
}

// --- Тесты ShareRepository ---

func TestShareLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	records := NewRecordRepository(pool)
	shares := NewShareRepository(pool)

	rec := newTestRecord("user-share")
	if err := records.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	maxViews := 3
	share := &model.SharedAccess{
		ID:          uuid.New().String(),
		RecordID:    rec.ID,
		OwnerID:     "user-share",
		ShareToken:  "tok-" + uuid.New().String(),
		CanDownload: true,
		MaxViews:    &maxViews,
	}
	if err := shares.Create(ctx, share); err != nil {
		t.Fatalf("Create ссылки вернул ошибку: %v", err)
	}

	got, err := shares.GetByToken(ctx, share.ShareToken)
	if err != nil {
		t.Fatalf("GetByToken вернул ошибку: %v", err)
	}
	if !got.CanDownload || got.ViewCount != 0 {
		t.Errorf("Неожиданное состояние ссылки: can_download=%v views=%d", got.CanDownload, got.ViewCount)
	}

	if err := shares.IncrementViews(ctx, share.ID); err != nil {
		t.Fatalf("IncrementViews вернул ошибку: %v", err)
	}
	got, _ = shares.GetByToken(ctx, share.ShareToken)
	if got.ViewCount != 1 || got.LastAccessedAt == nil {
		t.Errorf("После инкремента: views=%d last_accessed=%v", got.ViewCount, got.LastAccessedAt)
	}

	if err := shares.Revoke(ctx, "user-share", share.ID); err != nil {
		t.Fatalf("Revoke вернул ошибку: %v", err)
	}
	got, _ = shares.GetByToken(ctx, share.ShareToken)
	if got.RevokedAt == nil {
		t.Error("После Revoke должна быть отметка revoked_at")
	}

	// Повторный отзыв и чужой отзыв — ErrNotFound
	if err := shares.Revoke(ctx, "user-share", share.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный Revoke: ожидалась ErrNotFound, получено %v", err)
	}

	list, err := shares.ListByRecord(ctx, "user-share", rec.ID)
	if err != nil {
		t.Fatalf("ListByRecord вернул ошибку: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Ожидалась 1 ссылка, получено %d", len(list))
	}
}

func TestShareTokenUnique(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	records := NewRecordRepository(pool)
	shares := NewShareRepository(pool)

	rec := newTestRecord("user-tok")
	if err := records.Create(ctx, rec); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	token := fmt.Sprintf("tok-%s", uuid.New().String())
	first := &model.SharedAccess{
		ID: uuid.New().String(), RecordID: rec.ID, OwnerID: "user-tok", ShareToken: token,
	}
	if err := shares.Create(ctx, first); err != nil {
		t.Fatalf("Create вернул ошибку: %v", err)
	}

	second := &model.SharedAccess{
		ID: uuid.New().String(), RecordID: rec.ID, OwnerID: "user-tok", ShareToken: token,
	}
	if err := shares.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Errorf("Ожидалась ErrConflict для дубля токена, получено %v", err)
	}
}
