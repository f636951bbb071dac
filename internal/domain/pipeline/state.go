// state.go — состояния и переходы конвейера записи.
package pipeline

import (
	"fmt"
	"time"
)

// State — состояние конвейера.
type State string

const (
	// StateUpload — ожидание документа / извлечение данных
	StateUpload State = "upload"
	// StateReview — проверка и редактирование извлечённых данных
	StateReview State = "review"
	// StateEncrypting — шифрование и фиксация записи; отмена невозможна
	StateEncrypting State = "encrypting"
	// StatePersisted — запись зафиксирована в репозитории (терминальное)
	StatePersisted State = "persisted"
	// StateFailed — шаг шифрования не удался; машина тут же
	// возвращается в review с сохранёнными правками
	StateFailed State = "failed"
)

// Step — подшаг состояния encrypting. Шаги строго последовательны,
// каждый зависит от результата предыдущего; выполняются по одному
// и индивидуально видимы для отображения прогресса.
type Step string

const (
	// StepResolveCredential — получение учётных данных кошелька
	StepResolveCredential Step = "resolve_credential"
	// StepBuildPredicate — построение предиката доступа
	StepBuildPredicate Step = "build_predicate"
	// StepEncrypt — шифрование JSON-пакета
	StepEncrypt Step = "encrypt"
	// StepUpload — загрузка шифротекста в контентно-адресуемое хранилище
	StepUpload Step = "upload"
	// StepPersist — фиксация записи в репозитории (точка коммита)
	StepPersist Step = "persist"
)

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateUpload:     {StateReview: true},
	StateReview:     {StateEncrypting: true, StateUpload: true}, // upload = отмена
	StateEncrypting: {StatePersisted: true, StateFailed: true},
	StateFailed:     {StateReview: true},
	StatePersisted:  {}, // Терминальное
}

// TransitionError — недопустимый переход или операция не в том состоянии.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("переход %s → %s недопустим", e.From, e.To)
}

// transitionLocked выполняет переход; вызывается под p.mu.
// Недопустимый переход — программная ошибка вызывающего кода.
func (p *Pipeline) transitionLocked(to State, reason string) error {
	if !validTransitions[p.state][to] {
		return &TransitionError{From: p.state, To: to}
	}

	p.history = append(p.history, TransitionRecord{
		From:      p.state,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	p.state = to
	return nil
}
