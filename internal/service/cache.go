// Пакет service — бизнес-логика поверх репозиториев и адаптеров:
// выдача и листинг записей, разделяемые ссылки, мониторинг зависимостей.
//
// cache.go — LRU-кэш метаданных записей с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitavault/vitavault/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vv_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных записей.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vv_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных записей.",
	})
)

// CacheService — LRU-кэш метаданных записей с автоматическим TTL.
// Кэшируются только метаданные: шифротекст всегда читается из хранилища.
type CacheService struct {
	cache *expirable.LRU[string, *model.Record]
}

// NewCacheService создаёт LRU-кэш с указанным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	cache := expirable.NewLRU[string, *model.Record](maxSize, nil, ttl)
	return &CacheService{cache: cache}
}

// key — ключ кэша; запись всегда ищется в паре с владельцем,
// иначе кэш пробил бы изоляцию владельцев.
func key(ownerID, recordID string) string {
	return ownerID + "/" + recordID
}

// Get возвращает запись из кэша.
func (c *CacheService) Get(ownerID, recordID string) (*model.Record, bool) {
	val, ok := c.cache.Get(key(ownerID, recordID))
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *CacheService) Set(rec *model.Record) {
	c.cache.Add(key(rec.OwnerID, rec.ID), rec)
}

// Delete инвалидирует запись (после soft delete).
func (c *CacheService) Delete(ownerID, recordID string) {
	c.cache.Remove(key(ownerID, recordID))
}
