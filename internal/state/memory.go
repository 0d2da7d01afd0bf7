package state

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	seen     map[string]time.Time
}

// Memory is the in-process Store backend: a lock-striped map with
// fixed-window counters and a background janitor for expired entries.
type Memory struct {
	shards [shardCount]*shard
	stop   chan struct{}
	once   sync.Once

	now func() time.Time // overridable in tests
}

func NewMemory() *Memory {
	m := &Memory{
		stop: make(chan struct{}),
		now:  time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{
			counters: make(map[string]*counterEntry),
			seen:     make(map[string]time.Time),
		}
	}
	go m.janitor()
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || now.After(e.expiresAt) {
		s.counters[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	e.count++
	return e.count, nil
}

func (m *Memory) SeenOnce(_ context.Context, key string, horizon time.Duration) (bool, error) {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.seen[key]; ok && now.Before(expiresAt) {
		return true, nil
	}
	s.seen[key] = now.Add(horizon)
	return false, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()
	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.counters {
			if now.After(e.expiresAt) {
				delete(s.counters, key)
			}
		}
		for key, expiresAt := range s.seen {
			if now.After(expiresAt) {
				delete(s.seen, key)
			}
		}
		s.mu.Unlock()
	}
}
