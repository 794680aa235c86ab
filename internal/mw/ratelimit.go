package mw

import (
	"net/http"
	"sync"
	"time"

	"llmchat/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// RL 按 IP+路由分配令牌桶，闲置超过 idle 的桶由后台循环回收。
type RL struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

func NewRateLimiter(limit rate.Limit, burst int, idle time.Duration) *RL {
	return &RL{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Allow 为 key 消耗一个令牌。
func (rl *RL) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	rl.mu.Unlock()
	return b.AllowN(now, 1)
}

// sweep 删除 cutoff 之前没有访问过的桶，返回剩余桶数。
func (rl *RL) sweep(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
	return len(rl.buckets)
}

func (rl *RL) run(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.sweep(rl.now().Add(-rl.idle))
		}
	}
}

// Stop 结束回收循环，可重复调用。
func (rl *RL) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// Middleware 返回全局防刷中间件，按客户端 IP 与路由模板计数。
func (rl *RL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !rl.Allow(c.ClientIP() + "|" + route) {
			metrics.RateLimitedTotal.WithLabelValues("global").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": "RateLimited"})
			return
		}
		c.Next()
	}
}

// RateLimit 创建令牌桶限速器并启动回收循环，停服时由调用方 Stop。
func RateLimit(limit rate.Limit, burst int) *RL {
	rl := NewRateLimiter(limit, burst, 2*time.Minute)
	go rl.run(30 * time.Second)
	return rl
}
