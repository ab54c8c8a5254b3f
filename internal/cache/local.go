package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Local is the process-private tier in front of Redis. It holds encoded
// payloads only; null markers are never stored locally. A nil *Local is a
// disabled tier and every method is a no-op.
//
// Every eviction bumps a generation. Readers that fill the tier from Redis
// take the generation before reading and write with SetAt, which refuses
// the fill if any eviction happened in between.
type Local struct {
	cache *gocache.Cache

	mu  sync.Mutex
	gen uint64
}

func NewLocal(ttl time.Duration) *Local {
	return &Local{cache: gocache.New(ttl, 2*ttl)}
}

func (l *Local) Get(key string) ([]byte, bool) {
	if l == nil {
		return nil, false
	}
	obj, found := l.cache.Get(key)
	if !found {
		return nil, false
	}
	return obj.([]byte), true
}

func (l *Local) Set(key string, value []byte) {
	if l == nil {
		return
	}
	l.cache.Set(key, value, gocache.DefaultExpiration)
}

// Generation returns the current eviction generation.
func (l *Local) Generation() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// SetAt stores value only if no eviction happened since gen was taken.
func (l *Local) SetAt(key string, value []byte, gen uint64) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return false
	}
	l.cache.Set(key, value, gocache.DefaultExpiration)
	return true
}

func (l *Local) Delete(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.cache.Delete(key)
}

func (l *Local) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.cache.Flush()
}

func (l *Local) Len() int {
	if l == nil {
		return 0
	}
	return l.cache.ItemCount()
}
