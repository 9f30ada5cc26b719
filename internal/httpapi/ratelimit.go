package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qline/internal/identity"
)

const limiterIdleTTL = 10 * time.Minute

type RateLimitConfig struct {
	IPPerMinute   int
	IPBurst       int
	UserPerMinute int
	UserBurst     int
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is honoured.
	TrustedProxies []string
}

// RateLimiter throttles each client address and each signed-in user on its
// own limiter. It must run after AuthMiddleware to see the user.
type RateLimiter struct {
	ipLimiter   *keyedLimiter
	userLimiter *keyedLimiter
	trusted     []netip.Prefix
}

func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	trusted, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		ipLimiter:   newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		userLimiter: newKeyedLimiter(cfg.UserPerMinute, cfg.UserBurst),
		trusted:     trusted,
	}, nil
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromRequest(r)
		ip := clientIP(r, l.trusted)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if session, ok := identity.FromContext(r.Context()); ok && session.UserID != "" {
			if !l.userLimiter.allow(session.UserID) {
				writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// keyedLimiter hands out one rate.Limiter per key and forgets keys that have
// been idle for limiterIdleTTL.
type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.seen = now
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for k, other := range l.visitors {
			if now.Sub(other.seen) >= limiterIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// ParseTrustedProxies accepts bare addresses and CIDR ranges.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP is the peer address unless the peer is a trusted proxy. Behind
// one, X-Forwarded-For is read right to left and the first hop that is not
// itself a trusted proxy wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(header, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			return host
		}
		if !isTrusted(addr, trusted) {
			return addr.Unmap().String()
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return host
}
