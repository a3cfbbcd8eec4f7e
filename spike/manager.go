// Package spike coalesces concurrent fetches of the same external resource into one request
// and keeps the result for a short time.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = 5 * time.Second
	defaultFetchTimeout    = 3 * time.Second
)

type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// Manager runs at most one fetch per key at a time. Callers that arrive while a fetch is running
// wait for its result. Successful results are cached for cacheTime, errors are not cached.
type Manager[T any] struct {
	fetch        FetchFunc[T]
	cache        *gocache.Cache
	cacheTime    time.Duration
	fetchTimeout time.Duration

	mu      sync.Mutex
	running map[string]*call[T]
}

func NewManager[T any](fetch FetchFunc[T], cacheTime time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:        fetch,
		cache:        gocache.New(cacheTime, defaultCleanupInterval),
		cacheTime:    cacheTime,
		fetchTimeout: defaultFetchTimeout,
		running:      make(map[string]*call[T]),
	}
}

// WithFetchTimeout bounds a single fetch. The fetch is detached from the callers' contexts
// so one caller giving up does not fail the others.
func (m *Manager[T]) WithFetchTimeout(d time.Duration) *Manager[T] {
	m.fetchTimeout = d
	return m
}

func (m *Manager[T]) GetResult(ctx context.Context, key string) (T, error) { //nolint:ireturn
	if v, ok := m.cached(key); ok {
		return v, nil
	}

	m.mu.Lock()
	if v, ok := m.cached(key); ok {
		m.mu.Unlock()
		return v, nil
	}
	c, ok := m.running[key]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.running[key] = c
		go m.run(key, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

// Invalidate drops a cached value so the next caller fetches again
func (m *Manager[T]) Invalidate(key string) {
	m.cache.Delete(key)
}

func (m *Manager[T]) run(key string, c *call[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	c.v, c.err = m.fetch(ctx, key)

	m.mu.Lock()
	if c.err == nil {
		m.cache.Set(key, c.v, m.cacheTime)
	}
	delete(m.running, key)
	m.mu.Unlock()
	close(c.done)
}

func (m *Manager[T]) cached(key string) (T, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}
