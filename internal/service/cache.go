// cache.go — LRU-кэш состояний задач генерации видео с TTL.
// Сглаживает частый опрос Poll: повторный запрос в пределах TTL не идёт к провайдеру.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gomemory/internal/klingclient"
)

var (
	taskCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_task_cache_hits_total",
		Help: "Общее количество попаданий в кэш состояний задач.",
	})
	taskCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_task_cache_misses_total",
		Help: "Общее количество промахов кэша состояний задач.",
	})
)

// TaskCache — in-memory кэш ответов Poll по task_id.
type TaskCache struct {
	cache *expirable.LRU[string, *klingclient.TaskResponse]
}

// NewTaskCache создаёт кэш на maxSize записей с временем жизни ttl.
func NewTaskCache(maxSize int, ttl time.Duration) *TaskCache {
	return &TaskCache{
		cache: expirable.NewLRU[string, *klingclient.TaskResponse](maxSize, nil, ttl),
	}
}

// Get возвращает (ответ, true) при hit.
func (c *TaskCache) Get(taskID string) (*klingclient.TaskResponse, bool) {
	val, ok := c.cache.Get(taskID)
	if ok {
		taskCacheHitsTotal.Inc()
		return val, true
	}
	taskCacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *TaskCache) Set(taskID string, resp *klingclient.TaskResponse) {
	c.cache.Add(taskID, resp)
}
