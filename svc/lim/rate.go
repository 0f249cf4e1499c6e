package lim

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"fadebin/svc/cache"
	"fadebin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	sharedTimeout   = 100 * time.Millisecond
	window          = time.Minute
)

// Counter is a fixed window hit counter shared between instances.
// *db.Redis implements it.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Config struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	TrustedProxies    []string
	CacheSize         int
	AdaptiveFor       time.Duration
	Watch             WatchConfig
}

// Limiter enforces a per-client request budget per endpoint. With a shared
// Counter the budget holds across instances; without one, or while the
// counter is unreachable, each instance falls back to token buckets kept
// in a bounded LRU.
type Limiter struct {
	shared            Counter
	trustedProxies    []string
	watch             *FailureWatch
	adaptiveFor       time.Duration
	adaptiveModeUntil int64
	local             *cache.LRU[*rate.Limiter]
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(c Config, shared Counter) (*Limiter, error) {
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trustedProxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trustedProxies: %s", proxy)
		}
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	local, err := cache.NewLRU[*rate.Limiter](c.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "limiter cache")
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.AdaptiveFor <= 0 {
		c.AdaptiveFor = time.Minute
	}
	l := &Limiter{
		shared:            shared,
		trustedProxies:    c.TrustedProxies,
		local:             local,
		rpm:               c.RPM,
		burst:             c.Burst,
		conservativeLimit: c.ConservativeLimit,
		adaptiveFor:       c.AdaptiveFor,
		quit:              make(chan struct{}),
	}
	l.watch = NewFailureWatch(c.Watch, l.TriggerAdaptiveMode)
	l.watch.Start()
	go l.cleanupLoop()
	return l, nil
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if evicted := l.local.Purge(); evicted > 0 {
				util.Debug().Int("evicted", evicted).Int("remaining", l.local.Len()).Msg("rate limiter cleanup")
			}
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) Stop() {
	close(l.quit)
	l.watch.Stop()
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(l.adaptiveFor).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	until := atomic.LoadInt64(&l.adaptiveModeUntil)
	return time.Now().Unix() < until
}

// Report feeds the outcome of a paste operation to the failure watch.
func (l *Limiter) Report(err error) {
	l.watch.Report(err)
}

// adaptive halves limit while an error spike is being handled.
func (l *Limiter) adaptive(limit int) int {
	if !l.isAdaptiveMode() {
		return limit
	}
	limit /= 2
	if limit < 1 {
		limit = 1
	}
	return limit
}
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	key := endpoint + ":" + ip
	if l.shared == nil {
		return l.checkLocal(key, l.adaptive(l.rpm), l.burst)
	}
	limit := l.adaptive(l.rpm)
	ctx, cancel := context.WithTimeout(r.Context(), sharedTimeout)
	defer cancel()
	usage, err := l.shared.RateLimit(ctx, key, limit, window)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		conservative := l.adaptive(l.conservativeLimit)
		return l.checkLocal("fallback:"+key, conservative, conservative)
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(window),
	}
}
func (l *Limiter) checkLocal(key string, perMinute, burst int) *RateLimitResult {
	if perMinute < 1 {
		perMinute = 1
	}
	entry := l.local.GetOrAdd(key, limiterTTL, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	})
	now := time.Now()
	if !entry.AllowN(now, 1) {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     perMinute,
			Remaining: 0,
			Reset:     now.Add(window),
		}
	}
	remaining := int(entry.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: remaining,
		Reset:     now.Add(window),
	}
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	// Walk right to left; the first hop that is not a trusted proxy is the client.
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

// IsTrusted reports whether the direct peer of r is a trusted proxy.
func IsTrusted(r *http.Request, trustedProxies []string) bool {
	return len(trustedProxies) > 0 && isTrustedProxy(stripPort(r.RemoteAddr), trustedProxies)
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
