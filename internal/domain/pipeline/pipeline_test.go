// pipeline_test.go — тесты конечного автомата на фейковых коллабораторах.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/vitavault/vitavault/internal/domain/access"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/litclient"
)

const testWallet = "0xabc1234567890abcdef1234567890abcdef12345"

// --- Фейковые коллабораторы ---

type fakeExtractor struct {
	doc   *model.ExtractedDocument
	err   error
	calls int
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, _ string) (*model.ExtractedDocument, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

type fakeResolver struct {
	wallet  string
	missing bool
}

func (f *fakeResolver) ResolveWallet(_ context.Context, _ string) (string, error) {
	if f.missing {
		return "", ErrCredentialRequired
	}
	return f.wallet, nil
}

type fakeEncrypter struct {
	err   error
	calls int
}

func (f *fakeEncrypter) Encrypt(_ context.Context, plaintext []byte, _ *access.Predicate) (*litclient.Encrypted, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &litclient.Encrypted{
		Ciphertext: append([]byte("ct:"), plaintext...),
		Digest:     fmt.Sprintf("digest-%d", f.calls),
	}, nil
}

type fakeBlobs struct {
	err   error
	calls int
}

func (f *fakeBlobs) Put(_ context.Context, _ []byte, _ string, _ map[string]string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("Qm%d", f.calls), nil
}

type fakeRecords struct {
	err     error
	created []*model.Record
}

func (f *fakeRecords) Create(_ context.Context, rec *model.Record) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, rec)
	return nil
}

// deps — комплект фейков с разумными значениями по умолчанию.
type deps struct {
	extractor *fakeExtractor
	resolver  *fakeResolver
	encrypter *fakeEncrypter
	blobs     *fakeBlobs
	records   *fakeRecords
}

func newDeps() *deps {
	docType := model.CategoryLabReport
	patient := "Jane Doe"
	return &deps{
		extractor: &fakeExtractor{doc: &model.ExtractedDocument{
			DocumentType: &docType,
			PatientName:  &patient,
		}},
		resolver:  &fakeResolver{wallet: testWallet},
		encrypter: &fakeEncrypter{},
		blobs:     &fakeBlobs{},
		records:   &fakeRecords{},
	}
}

func (d *deps) pipeline(progress ProgressFunc) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("user-1", d.extractor, d.resolver, d.encrypter, d.blobs, d.records, logger, progress)
}

// --- Тесты ---

func TestHappyPath(t *testing.T) {
	d := newDeps()
	var steps []Step
	p := d.pipeline(func(s Step) { steps = append(steps, s) })
	ctx := context.Background()

	if p.State() != StateUpload {
		t.Fatalf("Начальное состояние %s, ожидалось upload", p.State())
	}

	if err := p.Extract(ctx, []byte("pdf-bytes"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}
	if p.State() != StateReview {
		t.Fatalf("После извлечения состояние %s, ожидалось review", p.State())
	}

	if err := p.Confirm(ctx); err != nil {
		t.Fatalf("Confirm вернул ошибку: %v", err)
	}
	if p.State() != StatePersisted {
		t.Fatalf("Состояние %s, ожидалось persisted", p.State())
	}

	// Все пять подшагов видимы по порядку
	want := []Step{StepResolveCredential, StepBuildPredicate, StepEncrypt, StepUpload, StepPersist}
	if len(steps) != len(want) {
		t.Fatalf("Шагов %d, ожидалось %d: %v", len(steps), len(want), steps)
	}
	for i, s := range want {
		if steps[i] != s {
			t.Errorf("Шаг #%d = %s, ожидался %s", i, steps[i], s)
		}
	}

	rec := p.Record()
	if rec == nil {
		t.Fatal("Record() должен вернуть зафиксированную запись")
	}
	if rec.ContentAddress == "" || rec.EncryptionDigest == "" {
		t.Error("Запись без адреса или дайджеста")
	}
	if rec.Category != model.CategoryLabReport {
		t.Errorf("Категория %s, ожидалась lab_report", rec.Category)
	}
	// Теги выведены из извлечённых данных
	if len(rec.Tags) != 2 {
		t.Errorf("Ожидалось 2 тега (категория + пациент), получено %v", rec.Tags)
	}
}

func TestExtractFailure_StaysInUpload(t *testing.T) {
	d := newDeps()
	d.extractor.err = errors.New("rate_limited: превышена частота")
	p := d.pipeline(nil)

	err := p.Extract(context.Background(), []byte("x"), "image/png", "a.png")
	if err == nil {
		t.Fatal("Extract должен вернуть ошибку извлечения")
	}
	if p.State() != StateUpload {
		t.Errorf("После сбоя извлечения состояние %s, ожидалось upload", p.State())
	}

	// Повтор с исправным извлекателем проходит
	d.extractor.err = nil
	if err := p.Extract(context.Background(), []byte("x"), "image/png", "a.png"); err != nil {
		t.Fatalf("Повторный Extract вернул ошибку: %v", err)
	}
	if p.State() != StateReview {
		t.Errorf("Состояние %s, ожидалось review", p.State())
	}
}

// Сценарий: подтверждение без кошелька — пауза, не сбой; после
// появления кошелька конвейер продолжает сам и доходит до persisted.
func TestCredentialDetour_AutoResume(t *testing.T) {
	d := newDeps()
	d.resolver.missing = true
	p := d.pipeline(nil)
	ctx := context.Background()

	if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}

	// Пользователь правит данные до подтверждения
	notes := "отредактировано пользователем"
	edited := *p.Edited()
	edited.Notes = &notes
	if err := p.SetEdited(&edited); err != nil {
		t.Fatalf("SetEdited вернул ошибку: %v", err)
	}
	before, _ := json.Marshal(p.Edited())

	err := p.Confirm(ctx)
	if !errors.Is(err, ErrCredentialRequired) {
		t.Fatalf("Ожидалась ErrCredentialRequired, получено %v", err)
	}
	if p.State() != StateReview {
		t.Errorf("Детур должен оставить машину в review, состояние %s", p.State())
	}
	if !p.AwaitingCredential() {
		t.Error("AwaitingCredential должен быть true после детура")
	}

	// Правки пережили детур байт-в-байт
	after, _ := json.Marshal(p.Edited())
	if string(before) != string(after) {
		t.Errorf("Правки изменились за время детура:\n%s\n%s", before, after)
	}

	// Кошелёк появился — продолжение автоматическое
	d.resolver.missing = false
	if err := p.CredentialAvailable(ctx); err != nil {
		t.Fatalf("CredentialAvailable вернул ошибку: %v", err)
	}
	if p.State() != StatePersisted {
		t.Fatalf("Состояние %s, ожидалось persisted", p.State())
	}
	if p.AwaitingCredential() {
		t.Error("AwaitingCredential должен сброситься")
	}

	// Зафиксирована именно отредактированная версия
	var summary model.ExtractedDocument
	if err := json.Unmarshal(p.Record().ExtractedSummary, &summary); err != nil {
		t.Fatalf("Разбор выжимки: %v", err)
	}
	if summary.Notes == nil || *summary.Notes != notes {
		t.Error("В записи должна быть отредактированная версия данных")
	}
}

func TestCredentialAvailable_NoopWithoutDetour(t *testing.T) {
	d := newDeps()
	p := d.pipeline(nil)

	// Без отложенного подтверждения сигнал безвреден
	if err := p.CredentialAvailable(context.Background()); err != nil {
		t.Errorf("CredentialAvailable без детура должен быть no-op, получено %v", err)
	}
	if p.State() != StateUpload {
		t.Errorf("Состояние изменилось: %s", p.State())
	}
}

// Сценарий: таймаут загрузки в хранилище — failed, возврат в review,
// ручной повтор перешифровывает и дозагружает без повторного извлечения.
func TestUploadFailure_RetryWithoutReextraction(t *testing.T) {
	d := newDeps()
	d.blobs.err = errors.New("таймаут put: context deadline exceeded")
	p := d.pipeline(nil)
	ctx := context.Background()

	if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}
	editedBefore, _ := json.Marshal(p.Edited())

	if err := p.Confirm(ctx); err == nil {
		t.Fatal("Confirm должен вернуть ошибку при сбое загрузки")
	}
	if p.State() != StateReview {
		t.Errorf("После сбоя состояние %s, ожидалось review", p.State())
	}
	if p.LastFailure() == nil {
		t.Error("LastFailure должен хранить причину сбоя")
	}

	// Сбой прошёл через состояние failed
	var sawFailed bool
	for _, tr := range p.History() {
		if tr.To == StateFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("В истории должен быть переход в failed")
	}

	// Правки нетронуты
	editedAfter, _ := json.Marshal(p.Edited())
	if string(editedBefore) != string(editedAfter) {
		t.Error("Сбой не должен трогать правки")
	}

	// Повтор: хранилище ожило
	d.blobs.err = nil
	if err := p.Retry(ctx); err != nil {
		t.Fatalf("Retry вернул ошибку: %v", err)
	}
	if p.State() != StatePersisted {
		t.Fatalf("После повтора состояние %s, ожидалось persisted", p.State())
	}
	if p.LastFailure() != nil {
		t.Error("LastFailure должен сброситься после удачного повтора")
	}

	// Извлечение выполнялось один раз, шифрование — дважды
	if d.extractor.calls != 1 {
		t.Errorf("Извлечение вызвано %d раз, ожидался 1", d.extractor.calls)
	}
	if d.encrypter.calls != 2 {
		t.Errorf("Шифрование вызвано %d раз, ожидалось 2", d.encrypter.calls)
	}
}

// Никакой подшаг сбоя не оставляет наблюдаемой записи.
func TestNoPartialCommit(t *testing.T) {
	tests := []struct {
		name     string
		sabotage func(*deps)
	}{
		{"сбой шифрования", func(d *deps) { d.encrypter.err = errors.New("сеть недоступна") }},
		{"сбой загрузки", func(d *deps) { d.blobs.err = errors.New("таймаут") }},
		{"сбой фиксации", func(d *deps) { d.records.err = errors.New("БД недоступна") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDeps()
			tt.sabotage(d)
			p := d.pipeline(nil)
			ctx := context.Background()

			if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
				t.Fatalf("Extract вернул ошибку: %v", err)
			}
			if err := p.Confirm(ctx); err == nil {
				t.Fatal("Confirm должен вернуть ошибку")
			}

			if len(d.records.created) != 0 {
				t.Errorf("После сбоя не должно быть записей, создано %d", len(d.records.created))
			}
			if p.Record() != nil {
				t.Error("Record() должен быть nil до успешной фиксации")
			}
		})
	}
}

func TestCancel_OnlyFromReview(t *testing.T) {
	d := newDeps()
	p := d.pipeline(nil)
	ctx := context.Background()

	// Из upload отменять нечего
	var trErr *TransitionError
	if err := p.Cancel(); !errors.As(err, &trErr) {
		t.Errorf("Cancel из upload: ожидалась TransitionError, получено %v", err)
	}

	if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}
	if err := p.Cancel(); err != nil {
		t.Fatalf("Cancel из review вернул ошибку: %v", err)
	}
	if p.State() != StateUpload {
		t.Errorf("После отмены состояние %s, ожидалось upload", p.State())
	}
	if p.Edited() != nil {
		t.Error("Отмена должна отбросить черновик")
	}

	// После фиксации отмена невозможна
	if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}
	if err := p.Confirm(ctx); err != nil {
		t.Fatalf("Confirm вернул ошибку: %v", err)
	}
	if err := p.Cancel(); !errors.As(err, &trErr) {
		t.Errorf("Cancel из persisted: ожидалась TransitionError, получено %v", err)
	}
}

func TestRetry_RequiresFailure(t *testing.T) {
	d := newDeps()
	p := d.pipeline(nil)
	ctx := context.Background()

	if err := p.Retry(ctx); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("Retry без сбоя: ожидалась ErrNothingToRetry, получено %v", err)
	}

	if err := p.Extract(ctx, []byte("doc"), "application/pdf", "scan.pdf"); err != nil {
		t.Fatalf("Extract вернул ошибку: %v", err)
	}
	if err := p.Retry(ctx); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("Retry из review без сбоя: ожидалась ErrNothingToRetry, получено %v", err)
	}
}

func TestExtract_EmptyDocument(t *testing.T) {
	d := newDeps()
	p := d.pipeline(nil)

	if err := p.Extract(context.Background(), nil, "application/pdf", "x.pdf"); !errors.Is(err, ErrNoDocument) {
		t.Errorf("Ожидалась ErrNoDocument, получено %v", err)
	}
}
