package mw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func init() { gin.SetMode(gin.TestMode) }

func TestMemoryWindow_SlidesOverTime(t *testing.T) {
	w := NewMemoryWindow(2, time.Minute)
	defer w.Stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := w.Allow(ctx, "a"); !ok {
			t.Fatalf("request %d rejected", i+1)
		}
		now = now.Add(10 * time.Second)
	}
	ok, retry, err := w.Allow(ctx, "a")
	if err != nil || ok {
		t.Fatalf("third request: ok=%v err=%v", ok, err)
	}
	if retry != 40*time.Second {
		t.Fatalf("retry=%v want 40s", retry)
	}
	if ok, _, _ := w.Allow(ctx, "b"); !ok {
		t.Fatal("other key must have its own window")
	}

	now = now.Add(41 * time.Second)
	if ok, _, _ := w.Allow(ctx, "a"); !ok {
		t.Fatal("oldest hit should have left the window")
	}
	if ok, _, _ := w.Allow(ctx, "a"); ok {
		t.Fatal("window should be full again")
	}
}

func TestPrune(t *testing.T) {
	base := time.Unix(100, 0)
	hits := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}
	tests := []struct {
		name   string
		cutoff time.Time
		want   int
	}{
		{"none", base.Add(-time.Second), 3},
		{"boundary inclusive", base, 2},
		{"all", base.Add(5 * time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(prune(hits, tt.cutoff)); got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

type failingWindow struct{}

func (failingWindow) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/chat", handlers...)
	return r
}

func do(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatRateLimit(t *testing.T) {
	win := NewMemoryWindow(3, time.Minute)
	defer win.Stop()
	r := newEngine(ChatRateLimit(win))
	for i := 0; i < 3; i++ {
		if w := do(r, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i+1, w.Code)
		}
	}
	w := do(r, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "RateLimited") {
		t.Fatalf("body=%s", w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestChatRateLimit_FailsOpen(t *testing.T) {
	r := newEngine(ChatRateLimit(failingWindow{}))
	if w := do(r, ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestTokenBucket(t *testing.T) {
	rl := RateLimit(rate.Every(time.Hour), 2)
	defer rl.Stop()
	r := newEngine(rl.Middleware())
	codes := []int{do(r, "").Code, do(r, "").Code, do(r, "").Code}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v", codes)
	}
}

func TestTokenBucket_SweepsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 1, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(30 * time.Second)
	rl.Allow("b")
	if n := rl.sweep(now.Add(-rl.idle)); n != 2 {
		t.Fatalf("sweep kept %d buckets, want 2", n)
	}
	now = now.Add(45 * time.Second)
	if n := rl.sweep(now.Add(-rl.idle)); n != 1 {
		t.Fatalf("sweep kept %d buckets, want 1", n)
	}
	if !rl.Allow("a") {
		t.Fatal("a swept bucket starts full again")
	}
	rl.Stop()
	rl.Stop()
}

func TestBodyLimit(t *testing.T) {
	r := newEngine(BodyLimit(8), func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			var mbe *http.MaxBytesError
			if !errors.As(err, &mbe) {
				t.Errorf("unexpected error type %T", err)
			}
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
	})
	if w := do(r, "short"); w.Code != http.StatusOK {
		t.Fatalf("small body status=%d", w.Code)
	}
	if w := do(r, strings.Repeat("x", 64)); w.Code != http.StatusBadRequest {
		t.Fatalf("large body status=%d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := do(newEngine(SecurityHeaders()), "")
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Strict-Transport-Security"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		origin string
		host   string
		want   string
	}{
		{"dev allows any", "dev", "http://elsewhere.test", "api.test", "http://elsewhere.test"},
		{"prod same origin", "prod", "https://api.test", "api.test", "https://api.test"},
		{"prod foreign origin", "prod", "https://api.test.evil", "api.test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(CORS(tt.env))
			req := httptest.NewRequest(http.MethodPost, "/chat", nil)
			req.Host = tt.host
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("allow-origin=%q want %q", got, tt.want)
			}
		})
	}
}

func TestRedisWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	key := uuid.NewString()
	w := NewRedisWindow(rdb, "test:window:", 2, 2*time.Second)
	defer rdb.Del(ctx, "test:window:"+key)

	for i := 0; i < 2; i++ {
		ok, _, err := w.Allow(ctx, key)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retry, err := w.Allow(ctx, key)
	if err != nil || ok {
		t.Fatalf("third request: ok=%v err=%v", ok, err)
	}
	if retry <= 0 || retry > 2*time.Second {
		t.Fatalf("retry=%v", retry)
	}
}
