package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a bounded map whose entries also age out after a TTL. The least
// recently used entry is evicted once the size bound is hit.
type LRU[V any] struct {
	c  *lru.Cache[string, item[V]]
	mu sync.Mutex
}
type item[V any] struct {
	value V
	exp   time.Time
}

func NewLRU[V any](size int) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 1000000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c}, nil
}
func (l *LRU[V]) Get(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(it.exp) {
		l.c.Remove(key)
		var zero V
		return zero, false
	}
	return it.value, true
}

// GetOrAdd returns the live value under key, storing the result of mk
// when there is none. A hit slides the entry's expiry forward.
func (l *LRU[V]) GetOrAdd(key string, ttl time.Duration, mk func() V) V {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if it, ok := l.c.Get(key); ok && !now.After(it.exp) {
		it.exp = now.Add(ttl)
		l.c.Add(key, it)
		return it.value
	}
	v := mk()
	l.c.Add(key, item[V]{value: v, exp: now.Add(ttl)})
	return v
}
func (l *LRU[V]) Set(key string, v V, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, item[V]{value: v, exp: time.Now().Add(ttl)})
}
func (l *LRU[V]) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
}
func (l *LRU[V]) Len() int {
	return l.c.Len()
}

// Purge drops every expired entry and reports how many went.
func (l *LRU[V]) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, key := range l.c.Keys() {
		if it, ok := l.c.Peek(key); ok && now.After(it.exp) {
			l.c.Remove(key)
			removed++
		}
	}
	return removed
}
