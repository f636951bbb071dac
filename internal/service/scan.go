// scan.go — серверные сессии сканирования документа.
//
// Сессия — один проход конвейера записи: извлечение → проверка →
// шифрование → фиксация. Черновик сессии (байты документа, правки)
// живёт только в памяти процесса; единственная разделяемая точка —
// фиксация записи, наблюдаемая через обычные операции над записями.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vitavault/vitavault/internal/domain/model"
	"github.com/vitavault/vitavault/internal/domain/pipeline"
)

// Ошибки сканирования.
var (
	// ErrScanNotFound — сессия не найдена, истекла либо принадлежит
	// другому владельцу (чужие сессии неотличимы от несуществующих)
	ErrScanNotFound = errors.New("сессия сканирования не найдена")
	// ErrExtractionUnavailable — сервис извлечения не сконфигурирован
	ErrExtractionUnavailable = errors.New("извлечение данных недоступно")
	// ErrDocumentTooLarge — документ превышает допустимый размер
	ErrDocumentTooLarge = errors.New("документ превышает допустимый размер")
)

// Лимиты хранилища сессий. Вытеснение по TTL или ёмкости отбрасывает
// только черновик в памяти — зафиксированные записи не затрагиваются.
const (
	scanSessionLimit = 256
	scanSessionTTL   = 30 * time.Minute
)

// scanSession — одна сессия сканирования: конвейер плюс учётные
// данные кошелька, которые могут появиться уже после подтверждения.
type scanSession struct {
	id       string
	ownerID  string
	pipeline *pipeline.Pipeline

	mu     sync.Mutex
	wallet string
	step   pipeline.Step
}

// ResolveWallet реализует pipeline.CredentialResolver: выдаёт кошелёк
// сессии либо сигнализирует о его отсутствии (пауза подтверждения).
func (s *scanSession) ResolveWallet(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == "" {
		return "", pipeline.ErrCredentialRequired
	}
	return s.wallet, nil
}

// setWallet обновляет кошелёк сессии. Пустая строка игнорируется —
// однажды предъявленные учётные данные не затираются.
func (s *scanSession) setWallet(wallet string) {
	if wallet == "" {
		return
	}
	s.mu.Lock()
	s.wallet = wallet
	s.mu.Unlock()
}

// reportStep реализует pipeline.ProgressFunc.
func (s *scanSession) reportStep(step pipeline.Step) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

// currentStep возвращает последний начатый подшаг шифрования.
func (s *scanSession) currentStep() pipeline.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// ScanStatus — наблюдаемое состояние сессии сканирования.
type ScanStatus struct {
	ScanID             string
	State              pipeline.State
	Step               pipeline.Step
	AwaitingCredential bool
	Extracted          *model.ExtractedDocument
	Failure            string
	Record             *model.Record
}

// ScanService — управление сессиями сканирования.
// Коллабораторы конвейера (извлечение, шифрование, хранилище,
// репозиторий) — процессные синглтоны, сессии делят их между собой.
type ScanService struct {
	extractor  pipeline.Extractor
	encrypter  pipeline.Encrypter
	blobs      pipeline.BlobStore
	records    pipeline.RecordCreator
	maxDocSize int64
	logger     *slog.Logger

	sessions *expirable.LRU[string, *scanSession]
}

// NewScanService создаёт сервис сканирования.
// extractor может быть nil (ключ Gemini не задан) — тогда Start
// возвращает ErrExtractionUnavailable.
func NewScanService(
	extractor pipeline.Extractor,
	encrypter pipeline.Encrypter,
	blobs pipeline.BlobStore,
	records pipeline.RecordCreator,
	maxDocSize int64,
	logger *slog.Logger,
) *ScanService {
	return &ScanService{
		extractor:  extractor,
		encrypter:  encrypter,
		blobs:      blobs,
		records:    records,
		maxDocSize: maxDocSize,
		logger:     logger.With(slog.String("component", "scan_service")),
		sessions:   expirable.NewLRU[string, *scanSession](scanSessionLimit, nil, scanSessionTTL),
	}
}

// Start создаёт сессию и запускает извлечение данных из документа.
// wallet опционален: без него подтверждение уйдёт в детур учётных
// данных. Ошибка извлечения не оставляет сессии — повторная загрузка
// начинает новую.
func (s *ScanService) Start(ctx context.Context, ownerID, wallet string, document []byte, mimeType, filename string) (*ScanStatus, error) {
	if s.extractor == nil {
		return nil, ErrExtractionUnavailable
	}
	if s.maxDocSize > 0 && int64(len(document)) > s.maxDocSize {
		return nil, fmt.Errorf("%w: %d байт", ErrDocumentTooLarge, len(document))
	}

	session := &scanSession{
		id:      uuid.New().String(),
		ownerID: ownerID,
		wallet:  wallet,
	}
	session.pipeline = pipeline.New(ownerID, s.extractor, session,
		s.encrypter, s.blobs, s.records, s.logger, session.reportStep)

	if err := session.pipeline.Extract(ctx, document, mimeType, filename); err != nil {
		return nil, err
	}

	s.sessions.Add(session.id, session)
	s.logger.Info("Сессия сканирования создана",
		slog.String("scan_id", session.id),
		slog.String("filename", filename),
	)
	return s.status(session), nil
}

// Get возвращает состояние сессии владельца.
func (s *ScanService) Get(ownerID, scanID string) (*ScanStatus, error) {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return nil, err
	}
	return s.status(session), nil
}

// SetEdited заменяет извлечённые данные правками пользователя.
func (s *ScanService) SetEdited(ownerID, scanID string, doc *model.ExtractedDocument) (*ScanStatus, error) {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return nil, err
	}
	if err := session.pipeline.SetEdited(doc); err != nil {
		return nil, err
	}
	return s.status(session), nil
}

// Confirm подтверждает проверенные данные и запускает шифрование.
// Отсутствие кошелька — не ошибка: сессия остаётся в review с
// отметкой AwaitingCredential, правки сохранены.
func (s *ScanService) Confirm(ctx context.Context, ownerID, scanID, wallet string) (*ScanStatus, error) {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return nil, err
	}
	session.setWallet(wallet)

	err = session.pipeline.Confirm(ctx)
	if errors.Is(err, pipeline.ErrCredentialRequired) {
		return s.status(session), nil
	}
	if err != nil {
		return s.status(session), err
	}
	return s.finish(session), nil
}

// CredentialAvailable предъявляет учётные данные кошелька.
// Отложенное подтверждение продолжается автоматически.
func (s *ScanService) CredentialAvailable(ctx context.Context, ownerID, scanID, wallet string) (*ScanStatus, error) {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return nil, err
	}
	session.setWallet(wallet)

	if err := session.pipeline.CredentialAvailable(ctx); err != nil {
		return s.status(session), err
	}
	return s.finish(session), nil
}

// Retry повторяет шифрование после сбоя; извлечение и правки
// не повторяются.
func (s *ScanService) Retry(ctx context.Context, ownerID, scanID string) (*ScanStatus, error) {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return nil, err
	}
	if err := session.pipeline.Retry(ctx); err != nil {
		return s.status(session), err
	}
	return s.finish(session), nil
}

// Cancel отменяет сессию и отбрасывает черновик.
func (s *ScanService) Cancel(ownerID, scanID string) error {
	session, err := s.session(ownerID, scanID)
	if err != nil {
		return err
	}
	if err := session.pipeline.Cancel(); err != nil {
		return err
	}
	s.sessions.Remove(scanID)
	s.logger.Info("Сессия сканирования отменена", slog.String("scan_id", scanID))
	return nil
}

// session находит сессию владельца. Чужая сессия — ErrScanNotFound.
func (s *ScanService) session(ownerID, scanID string) (*scanSession, error) {
	session, ok := s.sessions.Get(scanID)
	if !ok || session.ownerID != ownerID {
		return nil, ErrScanNotFound
	}
	return session, nil
}

// finish возвращает статус и убирает зафиксированную сессию:
// после persisted запись доступна через операции над записями,
// черновик больше не нужен.
func (s *ScanService) finish(session *scanSession) *ScanStatus {
	status := s.status(session)
	if status.State == pipeline.StatePersisted {
		s.sessions.Remove(session.id)
	}
	return status
}

// status снимает наблюдаемое состояние сессии.
func (s *ScanService) status(session *scanSession) *ScanStatus {
	status := &ScanStatus{
		ScanID:             session.id,
		State:              session.pipeline.State(),
		Step:               session.currentStep(),
		AwaitingCredential: session.pipeline.AwaitingCredential(),
		Extracted:          session.pipeline.Edited(),
		Record:             session.pipeline.Record(),
	}
	if err := session.pipeline.LastFailure(); err != nil {
		status.Failure = err.Error()
	}
	return status
}
