// Пакет pipeline — конечный автомат жизненного цикла записи:
// извлечение → проверка → шифрование → фиксация.
//
// Жизненный цикл: upload → review → encrypting → persisted.
// Любой сбой шифрования проходит через failed и возвращает машину
// в review с нетронутыми правками пользователя. Отмена возможна
// только из review; начавшееся шифрование дорабатывает до persisted
// либо failed — иначе остался бы бесхозный шифротекст без метаданных.
//
// Один экземпляр — один скан одного пользователя. Черновик (байты
// документа, извлечённые данные, правки) живёт только в памяти
// экземпляра; единственная разделяемая точка — фиксация записи в
// репозитории, и она же единственная точка коммита: до успеха шага
// persist запись не наблюдаема никем.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitavault/vitavault/internal/domain/access"
	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/litclient"
)

// Ошибки конвейера.
var (
	// ErrCredentialRequired — учётные данные кошелька недоступны;
	// это пауза, не сбой: машина остаётся в review и автоматически
	// продолжит подтверждение, когда данные появятся
	ErrCredentialRequired = errors.New("требуются учётные данные кошелька")
	// ErrNoDocument — извлечение вызвано без документа
	ErrNoDocument = errors.New("документ не загружен")
	// ErrNothingToRetry — повтор вызван без предшествующего сбоя
	ErrNothingToRetry = errors.New("нет сбойного шага для повтора")
)

// Extractor — коллаборатор извлечения структурированных данных.
type Extractor interface {
	Extract(ctx context.Context, document []byte, mimeType string) (*model.ExtractedDocument, error)
}

// CredentialResolver — коллаборатор идентичности: выдаёт адрес кошелька
// владельца. Возвращает ErrCredentialRequired (или обёртку над ним),
// если кошелёк ещё не создан.
type CredentialResolver interface {
	ResolveWallet(ctx context.Context, userID string) (string, error)
}

// Encrypter — шифрование пакета под предикатом доступа.
// Реализуется litclient.Client.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, predicate *access.Predicate) (*litclient.Encrypted, error)
}

// BlobStore — контентно-адресуемое хранилище шифротекста.
// Реализуется ipfsclient.Client.
type BlobStore interface {
	Put(ctx context.Context, data []byte, name string, keyvalues map[string]string) (string, error)
}

// RecordCreator — точка фиксации записи.
// Реализуется repository.RecordRepository.
type RecordCreator interface {
	Create(ctx context.Context, rec *model.Record) error
}

// ProgressFunc вызывается в начале каждого подшага шифрования.
// Может быть nil.
type ProgressFunc func(step Step)

// bundle — то, что реально шифруется: извлечённые данные и превью
// исходного документа под одной границей доступа. Раздельное шифрование
// привело бы к ситуации, когда одно читаемо без другого.
type bundle struct {
	Extracted       *model.ExtractedDocument `json:"extracted"`
	Preview         string                   `json:"preview"`
	PreviewMimeType string                   `json:"preview_mime_type"`
}

// Pipeline — конечный автомат одного скана.
// Потокобезопасен; методы изменения состояния сериализуются мьютексом.
type Pipeline struct {
	extractor   Extractor
	credentials CredentialResolver
	encrypter   Encrypter
	blobs       BlobStore
	records     RecordCreator
	logger      *slog.Logger
	progress    ProgressFunc

	mu      sync.Mutex
	state   State
	history []TransitionRecord

	// Черновик текущего скана
	ownerID  string
	raw      []byte
	mimeType string
	filename string
	edited   *model.ExtractedDocument

	// Детур "нужны учётные данные": подтверждение отложено,
	// правки сохранены, продолжение автоматическое
	awaitingCredential bool

	// Результаты подшагов — переживают сбой ради повтора с места падения
	wallet    string
	predicate *access.Predicate
	encrypted *litclient.Encrypted
	cid       string

	lastFailure error
	record      *model.Record
}

// New создаёт конвейер одного скана для указанного владельца.
func New(ownerID string, extractor Extractor, credentials CredentialResolver,
	encrypter Encrypter, blobs BlobStore, records RecordCreator,
	logger *slog.Logger, progress ProgressFunc,
) *Pipeline {
	return &Pipeline{
		extractor:   extractor,
		credentials: credentials,
		encrypter:   encrypter,
		blobs:       blobs,
		records:     records,
		logger:      logger.With(slog.String("component", "pipeline")),
		progress:    progress,
		state:       StateUpload,
		ownerID:     ownerID,
	}
}

// State возвращает текущее состояние.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// History возвращает копию журнала переходов.
func (p *Pipeline) History() []TransitionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TransitionRecord, len(p.history))
	copy(out, p.history)
	return out
}

// AwaitingCredential сообщает, отложено ли подтверждение до появления
// учётных данных кошелька.
func (p *Pipeline) AwaitingCredential() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaitingCredential
}

// LastFailure возвращает причину последнего сбоя шифрования
// (nil, если сбоев не было либо повтор уже удался).
func (p *Pipeline) LastFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFailure
}

// Edited возвращает текущие (возможно, отредактированные) данные.
func (p *Pipeline) Edited() *model.ExtractedDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.edited
}

// Record возвращает зафиксированную запись (nil до persisted).
func (p *Pipeline) Record() *model.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}

// Extract запускает извлечение данных из документа: upload → review.
// Ошибка извлечения оставляет машину в upload; из типа ошибки
// (*extraction.Error) вызывающий код узнаёт, уместен ли повтор.
// Байты документа и mime-тип сохраняются без изменений — они
// понадобятся для зашифрованного пакета.
func (p *Pipeline) Extract(ctx context.Context, document []byte, mimeType, filename string) error {
	p.mu.Lock()
	if p.state != StateUpload {
		p.mu.Unlock()
		return &TransitionError{From: p.state, To: StateReview}
	}
	if len(document) == 0 {
		p.mu.Unlock()
		return ErrNoDocument
	}
	p.mu.Unlock()

	// Извлечение — вне мьютекса: долгий сетевой вызов
	extracted, err := p.extractor.Extract(ctx, document, mimeType)
	if err != nil {
		p.logger.Warn("Извлечение не удалось", slog.String("error", err.Error()))
		stepsTotal.WithLabelValues("extract", "error").Inc()
		return fmt.Errorf("извлечение данных: %w", err)
	}
	stepsTotal.WithLabelValues("extract", "ok").Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.transitionLocked(StateReview, ""); err != nil {
		return err
	}
	p.raw = document
	p.mimeType = mimeType
	p.filename = filename
	p.edited = extracted

	p.logger.Info("Данные извлечены, ожидается проверка",
		slog.String("category", string(extracted.Category())),
	)
	return nil
}

// SetEdited заменяет извлечённые данные правками пользователя.
// Допустимо только в review (в том числе во время детура учётных данных).
func (p *Pipeline) SetEdited(doc *model.ExtractedDocument) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReview {
		return &TransitionError{From: p.state, To: StateReview}
	}
	p.edited = doc
	return nil
}

// Confirm подтверждает проверенные данные и запускает шифрование.
//
// Если учётные данные кошелька недоступны, подтверждение НЕ проваливается:
// машина остаётся в review с отметкой awaitingCredential, правки сохранены,
// возвращается ErrCredentialRequired. Последующий CredentialAvailable
// продолжит подтверждение автоматически, без повторного ввода правок.
func (p *Pipeline) Confirm(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateReview {
		p.mu.Unlock()
		return &TransitionError{From: p.state, To: StateEncrypting}
	}
	p.mu.Unlock()

	// Подшаг (a) выполняется до входа в encrypting: отсутствие учётных
	// данных — пауза review, а не сбой шифрования
	p.reportStep(StepResolveCredential)
	wallet, err := p.credentials.ResolveWallet(ctx, p.ownerID)
	if err != nil {
		if errors.Is(err, ErrCredentialRequired) {
			p.mu.Lock()
			p.awaitingCredential = true
			p.mu.Unlock()
			p.logger.Info("Подтверждение отложено: учётные данные недоступны")
			return ErrCredentialRequired
		}
		stepsTotal.WithLabelValues(string(StepResolveCredential), "error").Inc()
		return fmt.Errorf("получение учётных данных: %w", err)
	}
	stepsTotal.WithLabelValues(string(StepResolveCredential), "ok").Inc()

	p.mu.Lock()
	p.wallet = wallet
	p.awaitingCredential = false
	if err := p.transitionLocked(StateEncrypting, ""); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	return p.runEncrypting(ctx, StepBuildPredicate)
}

// CredentialAvailable сигнализирует о появлении учётных данных кошелька.
// Если подтверждение было отложено — продолжает его автоматически.
// Иначе вызов безвреден (no-op).
func (p *Pipeline) CredentialAvailable(ctx context.Context) error {
	p.mu.Lock()
	if !p.awaitingCredential {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.Confirm(ctx)
}

// Retry повторяет шифрование после сбоя. Извлечение и правки не
// повторяются; учётные данные и предикат переиспользуются, пакет
// шифруется заново и повторно загружается — частично выполненная
// попытка не оставляет наблюдаемых следов, переиспользовать из неё
// нечего кроме предиката.
func (p *Pipeline) Retry(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateReview || p.lastFailure == nil {
		p.mu.Unlock()
		return ErrNothingToRetry
	}
	if err := p.transitionLocked(StateEncrypting, "retry"); err != nil {
		p.mu.Unlock()
		return err
	}

	from := StepEncrypt
	if p.predicate == nil {
		from = StepBuildPredicate
	}
	p.encrypted = nil
	p.cid = ""
	p.mu.Unlock()

	return p.runEncrypting(ctx, from)
}

// Cancel отменяет скан: review → upload. Черновик (извлечённые данные,
// правки, байты документа) отбрасывается; никаких побочных эффектов
// в репозитории или хранилище нет и быть не могло — фиксация ещё
// не выполнялась.
func (p *Pipeline) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateReview {
		return &TransitionError{From: p.state, To: StateUpload}
	}
	if err := p.transitionLocked(StateUpload, "cancel"); err != nil {
		return err
	}

	p.raw = nil
	p.mimeType = ""
	p.filename = ""
	p.edited = nil
	p.awaitingCredential = false
	p.wallet = ""
	p.predicate = nil
	p.encrypted = nil
	p.cid = ""
	p.lastFailure = nil

	p.logger.Info("Скан отменён, черновик отброшен")
	return nil
}

// runEncrypting выполняет подшаги шифрования начиная с from.
// Любой сбой: encrypting → failed → review, правки нетронуты,
// причина доступна через LastFailure.
func (p *Pipeline) runEncrypting(ctx context.Context, from Step) error {
	if err := p.encryptFrom(ctx, from); err != nil {
		p.mu.Lock()
		p.lastFailure = err
		// Через failed обратно в review; правки сохранены
		if trErr := p.transitionLocked(StateFailed, err.Error()); trErr == nil {
			_ = p.transitionLocked(StateReview, "после сбоя")
		}
		p.mu.Unlock()

		p.logger.Warn("Шифрование не удалось, возврат к проверке",
			slog.String("error", err.Error()),
		)
		return err
	}

	p.mu.Lock()
	p.lastFailure = nil
	err := p.transitionLocked(StatePersisted, "")
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.logger.Info("Запись зафиксирована",
		slog.String("record_id", p.record.ID),
		slog.String("cid", p.record.ContentAddress),
	)
	return nil
}

// encryptFrom — подшаги (b)-(e). Подшаг (a) выполнен в Confirm.
// Результат каждого подшага сохраняется в экземпляре, чтобы повтор
// не переделывал уже удавшееся.
func (p *Pipeline) encryptFrom(ctx context.Context, from Step) error {
	order := map[Step]int{
		StepBuildPredicate: 0,
		StepEncrypt:        1,
		StepUpload:         2,
		StepPersist:        3,
	}
	start := order[from]

	// (b) Предикат доступа: только владелец
	if start <= order[StepBuildPredicate] {
		p.reportStep(StepBuildPredicate)
		predicate, err := access.BuildOwner(p.wallet)
		if err != nil {
			stepsTotal.WithLabelValues(string(StepBuildPredicate), "error").Inc()
			return fmt.Errorf("построение предиката доступа: %w", err)
		}
		stepsTotal.WithLabelValues(string(StepBuildPredicate), "ok").Inc()
		p.mu.Lock()
		p.predicate = predicate
		p.mu.Unlock()
	}

	// (c) Шифрование пакета {данные, превью, mime}
	if start <= order[StepEncrypt] {
		p.reportStep(StepEncrypt)
		plaintext, err := json.Marshal(bundle{
			Extracted:       p.edited,
			Preview:         base64.StdEncoding.EncodeToString(p.raw),
			PreviewMimeType: p.mimeType,
		})
		if err != nil {
			return fmt.Errorf("сериализация пакета: %w", err)
		}
		encrypted, err := p.encrypter.Encrypt(ctx, plaintext, p.predicate)
		if err != nil {
			stepsTotal.WithLabelValues(string(StepEncrypt), "error").Inc()
			return fmt.Errorf("шифрование пакета: %w", err)
		}
		stepsTotal.WithLabelValues(string(StepEncrypt), "ok").Inc()
		p.mu.Lock()
		p.encrypted = encrypted
		p.mu.Unlock()
	}

	// (d) Загрузка шифротекста в хранилище
	if start <= order[StepUpload] {
		p.reportStep(StepUpload)
		cid, err := p.blobs.Put(ctx, p.encrypted.Ciphertext, p.filename, map[string]string{
			"owner_id": p.ownerID,
			"category": string(p.edited.Category()),
		})
		if err != nil {
			stepsTotal.WithLabelValues(string(StepUpload), "error").Inc()
			return fmt.Errorf("загрузка шифротекста: %w", err)
		}
		stepsTotal.WithLabelValues(string(StepUpload), "ok").Inc()
		p.mu.Lock()
		p.cid = cid
		p.mu.Unlock()
	}

	// (e) Фиксация записи — единственная точка коммита
	p.reportStep(StepPersist)
	predicateJSON, err := p.predicate.Marshal()
	if err != nil {
		return fmt.Errorf("сериализация предиката: %w", err)
	}
	summary, err := json.Marshal(p.edited)
	if err != nil {
		return fmt.Errorf("сериализация выжимки: %w", err)
	}

	rec := &model.Record{
		ID:               uuid.New().String(),
		OwnerID:          p.ownerID,
		ContentAddress:   p.cid,
		OriginalFilename: p.filename,
		Category:         p.edited.Category(),
		DocumentDate:     parseDocumentDate(p.edited.Date),
		EncryptionDigest: p.encrypted.Digest,
		AccessPredicate:  predicateJSON,
		ExtractedSummary: summary,
		Tags:             p.edited.DeriveTags(),
	}
	if err := p.records.Create(ctx, rec); err != nil {
		stepsTotal.WithLabelValues(string(StepPersist), "error").Inc()
		return fmt.Errorf("фиксация записи: %w", err)
	}
	stepsTotal.WithLabelValues(string(StepPersist), "ok").Inc()

	p.mu.Lock()
	p.record = rec
	p.mu.Unlock()
	return nil
}

// reportStep сообщает о начале подшага для отображения прогресса.
func (p *Pipeline) reportStep(step Step) {
	if p.progress != nil {
		p.progress(step)
	}
}

// dateFormats — форматы дат, встречающиеся в извлечённых документах.
var dateFormats = []string{"2006-01-02", "02.01.2006", "01/02/2006", "January 2, 2006"}

// parseDocumentDate разбирает текстовую дату документа.
// Неразборчивая дата — nil: поле опционально, угадывать не нужно.
func parseDocumentDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, strings.TrimSpace(*s)); err == nil {
			return &t
		}
	}
	return nil
}
