package mw

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"llmchat/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// WindowLimiter 是滑动窗口限流器：任意长度为 window 的区间内同一键最多放行 limit 次。
// 拒绝时返回距离最早一次请求滑出窗口的等待时间。
type WindowLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// MemoryWindow 在进程内记录每个键的请求时间，适合单实例部署。
type MemoryWindow struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
	stop   chan struct{}
}

func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	w := &MemoryWindow{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go w.gc()
	return w
}

func (w *MemoryWindow) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	hits := prune(w.hits[key], now.Add(-w.window))
	if len(hits) >= w.limit {
		w.hits[key] = hits
		return false, hits[0].Add(w.window).Sub(now), nil
	}
	w.hits[key] = append(hits, now)
	return true, 0, nil
}

// prune 丢弃不晚于 cutoff 的记录，hits 按时间升序。
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (w *MemoryWindow) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			cutoff := w.now().Add(-w.window)
			w.mu.Lock()
			for k, v := range w.hits {
				if len(prune(v, cutoff)) == 0 {
					delete(w.hits, k)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *MemoryWindow) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// 清理窗口外记录、计数并在未超限时登记本次请求，整个过程在 Redis 端原子执行。
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisWindow 把窗口保存在 Redis 有序集合中，多个副本共享同一份计数。
type RedisWindow struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
}

func NewRedisWindow(rdb redis.Scripter, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, w.rdb, []string{w.prefix + key},
		now, w.window.Milliseconds(), w.limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// ChatRateLimit 按客户端地址限流，必须挂在鉴权之前。限流存储故障时放行并记录日志。
func ChatRateLimit(l WindowLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry, err := l.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warn().Err(err).Str("ip", c.ClientIP()).Msg("chat rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues("chat").Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please wait before sending another message",
				"code":  "RateLimited",
			})
			return
		}
		c.Next()
	}
}
