// Пакет extraction — извлечение структурированных данных из медицинских
// документов через Gemini. Валидация формы ответа выполняется здесь,
// на границе — дальше по конвейеру ходит уже типизированный документ.
package extraction

import "fmt"

// Kind — категория ошибки извлечения. Определяет, имеет ли смысл
// повторять запрос с тем же документом.
type Kind string

const (
	// KindRateLimited — превышена частота запросов; retry уместен
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExhausted — исчерпана квота API; retry позже
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindMalformedResponse — ответ модели не разобран (в т.ч. обрыв); retry уместен
	KindMalformedResponse Kind = "malformed_response"
	// KindUnrecognizedInput — документ не распознан; retry без смены файла бесполезен
	KindUnrecognizedInput Kind = "unrecognized_input"
)

// Error — ошибка извлечения с категорией.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable сообщает, имеет ли смысл повторить извлечение с тем же входом.
func (e *Error) Retryable() bool {
	return e.Kind != KindUnrecognizedInput
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
