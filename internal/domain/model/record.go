// Пакет model — доменные модели VitaVault.
// Record — запись о медицинском документе: метаданные в PostgreSQL,
// зашифрованное содержимое — в content-addressed хранилище (IPFS).
package model

import (
	"encoding/json"
	"time"
)

// DocumentCategory — категория медицинского документа.
type DocumentCategory string

const (
	CategoryLabReport    DocumentCategory = "lab_report"
	CategoryPrescription DocumentCategory = "prescription"
	CategoryDiagnosis    DocumentCategory = "diagnosis"
	CategoryImaging      DocumentCategory = "imaging"
	CategoryOther        DocumentCategory = "other"
	CategoryUnknown      DocumentCategory = "unknown"
)

// ValidCategory проверяет, допустима ли категория документа.
func ValidCategory(c DocumentCategory) bool {
	switch c {
	case CategoryLabReport, CategoryPrescription, CategoryDiagnosis,
		CategoryImaging, CategoryOther, CategoryUnknown:
		return true
	}
	return false
}

// Record — запись о сохранённом документе. Соответствует строке
// таблицы medical_records. Создаётся только терминальным шагом
// persist конвейера; после создания изменяется лишь soft delete.
type Record struct {
	// ID — уникальный идентификатор записи (UUID v4)
	ID string `json:"id"`

	// OwnerID — идентификатор владельца; неизменяем, все операции
	// чтения/записи ограничены им
	OwnerID string `json:"owner_id"`

	// ContentAddress — CID зашифрованного блоба в content-addressed
	// хранилище. Открытый текст туда не попадает никогда.
	ContentAddress string `json:"content_address"`

	// OriginalFilename — имя исходного файла при загрузке
	OriginalFilename string `json:"original_filename,omitempty"`

	// Category — категория документа
	Category DocumentCategory `json:"document_category"`

	// DocumentDate — дата документа (от AI или пользователя),
	// не совпадает с датой создания записи
	DocumentDate *time.Time `json:"document_date,omitempty"`

	// EncryptionDigest — непрозрачное значение от шага шифрования.
	// Вместе с предикатом доступа необходимо для расшифровки;
	// его утрата делает запись невосстановимой.
	EncryptionDigest string `json:"encryption_digest"`

	// AccessPredicate — сериализованное условие доступа, под которым
	// зашифровано содержимое. Хранится открыто: оно описывает, кто
	// может расшифровать, но само по себе доступа не даёт.
	AccessPredicate json.RawMessage `json:"access_predicate"`

	// ExtractedSummary — денормализованная незашифрованная копия
	// избранных структурированных полей для поиска и списков.
	// Источник истины — зашифрованный блоб, эта копия справочная.
	ExtractedSummary json.RawMessage `json:"extracted_summary,omitempty"`

	// Tags — нормализованные поисковые токены (lower-case, множество)
	Tags []string `json:"tags"`

	// CreatedAt — время создания записи (UTC)
	CreatedAt time.Time `json:"created_at"`

	// DeletedAt — маркер soft delete; nil = запись активна
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted проверяет, помечена ли запись как удалённая.
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// AccessAction — действие над записью для журнала доступа.
type AccessAction string

const (
	ActionView     AccessAction = "view"
	ActionDownload AccessAction = "download"
	ActionShare    AccessAction = "share"
	ActionRevoke   AccessAction = "revoke"
	ActionDelete   AccessAction = "delete"
)

// AccessLogEntry — запись append-only журнала доступа.
// Запись журнала никогда не блокирует и не проваливает основную
// операцию: ошибки проглатываются и попадают только в метрики.
type AccessLogEntry struct {
	// ID — уникальный идентификатор записи журнала (UUID v4)
	ID string `json:"id"`

	// RecordID — идентификатор записи, к которой относится действие.
	// Остаётся в журнале и после soft delete записи.
	RecordID string `json:"record_id"`

	// UserID — действующий пользователь; nil для анонимного доступа
	// по ссылке совместного доступа
	UserID *string `json:"user_id,omitempty"`

	// SharedAccessID — идентификатор ссылки совместного доступа,
	// если доступ был по ней
	SharedAccessID *string `json:"shared_access_id,omitempty"`

	// Action — вид действия
	Action AccessAction `json:"action"`

	// UserAgent — User-Agent запросившего (опционально)
	UserAgent string `json:"user_agent,omitempty"`

	// CreatedAt — время действия (UTC)
	CreatedAt time.Time `json:"created_at"`
}

// SharedAccess — ссылка совместного доступа к записи.
type SharedAccess struct {
	// ID — уникальный идентификатор ссылки (UUID v4)
	ID string `json:"id"`

	// RecordID — запись, к которой открыт доступ
	RecordID string `json:"record_id"`

	// OwnerID — владелец записи, создавший ссылку
	OwnerID string `json:"owner_id"`

	// ShareToken — секретный токен ссылки
	ShareToken string `json:"share_token"`

	// RecipientEmail — адрес получателя (опционально)
	RecipientEmail *string `json:"recipient_email,omitempty"`

	// CanDownload — разрешено ли скачивание ciphertext по ссылке
	CanDownload bool `json:"can_download"`

	// ExpiresAt — срок действия ссылки; nil = бессрочно
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// MaxViews — максимальное число просмотров; nil = без лимита
	MaxViews *int `json:"max_views,omitempty"`

	// ViewCount — текущее число просмотров
	ViewCount int `json:"view_count"`

	// CreatedAt — время создания ссылки (UTC)
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt — время последнего доступа по ссылке
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// RevokedAt — маркер отзыва; nil = ссылка действительна
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Usable проверяет, пригодна ли ссылка для доступа в момент now:
// не отозвана, не истекла, лимит просмотров не исчерпан.
func (s *SharedAccess) Usable(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return false
	}
	if s.MaxViews != nil && s.ViewCount >= *s.MaxViews {
		return false
	}
	return true
}
