package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is an in-process Cache. Expiry is honored on read. Pub/sub
// delivers to subscriptions registered before the publish, like Redis.
type MemoryCache struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	subs   map[string]map[*memorySubscription]struct{}
	now    func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		values: make(map[string]memoryEntry),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		now:    time.Now,
	}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (c *MemoryCache) set(key string, value []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.values[key] = memoryEntry{value: value, expiresAt: exp}
}

func (c *MemoryCache) get(key string) ([]byte, bool) {
	e, ok := c.values[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.values, key)
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
	delete(c.values, key)
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
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		n = parsed
	}
	n++
	c.set(key, []byte(strconv.FormatInt(n, 10)), expiry)
	return n, nil
}

// Publish never blocks: a subscriber whose buffer is full misses the message.
func (c *MemoryCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[channel] {
		select {
		case sub.out <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (c *MemoryCache) Subscribe(_ context.Context, channel string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &memorySubscription{cache: c, channel: channel, out: make(chan []byte, 64)}
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[*memorySubscription]struct{})
	}
	c.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many subscriptions are open on channel.
func (c *MemoryCache) Subscribers(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[channel])
}

type memorySubscription struct {
	cache   *MemoryCache
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.cache.mu.Lock()
		defer s.cache.mu.Unlock()
		delete(s.cache.subs[s.channel], s)
		close(s.out)
	})
	return nil
}

var _ Cache = (*MemoryCache)(nil)
