package mid

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitOpts configures per-client rate limiting.
type RateLimitOpts struct {
	RPS   float64
	Burst int
	// Key identifies the client. Defaults to the remote IP.
	Key func(*http.Request) string
	// IdleTTL drops limiters for clients not seen in this long.
	IdleTTL time.Duration
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterSet hands out one token bucket per client key.
type limiterSet struct {
	mu       sync.Mutex
	opts     RateLimitOpts
	visitors map[string]*visitor
	lastGC   time.Time
	now      func() time.Time
}

func newLimiterSet(opts RateLimitOpts) *limiterSet {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Key == nil {
		opts.Key = remoteIP
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &limiterSet{opts: opts, visitors: make(map[string]*visitor), now: time.Now}
}

func (s *limiterSet) allow(key string) bool {
	now := s.now()
	s.mu.Lock()
	if now.Sub(s.lastGC) > s.opts.IdleTTL {
		for k, v := range s.visitors {
			if now.Sub(v.seen) > s.opts.IdleTTL {
				delete(s.visitors, k)
			}
		}
		s.lastGC = now
	}
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(rate.Limit(s.opts.RPS), s.opts.Burst)}
		s.visitors[key] = v
	}
	v.seen = now
	s.mu.Unlock()
	return v.lim.AllowN(now, 1)
}

// RateLimit rejects requests over the per-client budget with 429.
func RateLimit(opts RateLimitOpts) Middleware {
	set := newLimiterSet(opts)
	retry := "1"
	if opts.RPS > 0 && opts.RPS < 1 {
		retry = strconv.Itoa(int(1/opts.RPS + 0.5))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !set.allow(set.opts.Key(r)) {
				w.Header().Set("Retry-After", retry)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
