package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is an in-process Cache for tests and single-node setups.
// Publish delivers to subscribers of this MemoryCache only.
type MemoryCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	subs    map[string]map[*memorySubscription]struct{}
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		now:     time.Now,
		entries: map[string]memoryEntry{},
		subs:    map[string]map[*memorySubscription]struct{}{},
	}
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) get(key string) ([]byte, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return c.Set(ctx, JobStatusKey(jobID), []byte(status), ttl)
}

func (c *MemoryCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	v, ok, err := c.Get(ctx, JobStatusKey(jobID))
	return string(v), ok, err
}

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	if v, ok := c.get(key); ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	c.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(n, 10)), expires: c.now().Add(expiry)}
	return n, nil
}

func (c *MemoryCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.messages <- msg:
		default:
			// Slow subscriber; Redis would buffer, here the message is dropped.
		}
	}
	return nil
}

func (c *MemoryCache) Subscribe(_ context.Context, channel string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &memorySubscription{cache: c, channel: channel, messages: make(chan []byte, 256)}
	if c.subs[channel] == nil {
		c.subs[channel] = map[*memorySubscription]struct{}{}
	}
	c.subs[channel][sub] = struct{}{}
	return sub, nil
}

type memorySubscription struct {
	cache    *MemoryCache
	channel  string
	messages chan []byte
	closed   bool
}

func (s *memorySubscription) Messages() <-chan []byte { return s.messages }

func (s *memorySubscription) Close() error {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.cache.subs[s.channel], s)
	close(s.messages)
	return nil
}
