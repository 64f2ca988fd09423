// Package spike provides a primitive to handle spike-like load on retrieving external resources.
// Concurrent requests for the same key share a single fetch and successful results are cached.
package spike

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = time.Minute
	defaultFetchTimeout    = 30 * time.Second
)

var ErrClosed = errors.New("spike manager closed")

type Manager[K comparable, V any] struct {
	mu       sync.Mutex
	handler  Handler[K, V]
	inflight map[K][]chan<- result[V]

	fetchTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
}

type Handler[K comparable, V any] struct {
	Fetch func(ctx context.Context, k K) (V, error)
	Set   func(k K, v V)
	Get   func(k K) (V, bool)
}

type result[V any] struct {
	v V
	e error
}

// NewCustomManager creates a new Manager with a cache implementation controlled by client code.
func NewCustomManager[K comparable, V any](h Handler[K, V], fetchTimeout time.Duration) *Manager[K, V] {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager[K, V]{
		handler:      h,
		inflight:     make(map[K][]chan<- result[V]),
		fetchTimeout: fetchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// NewManager creates a new Manager backed by an in-memory cache with cacheTime expiration.
func NewManager[K comparable, V any](fetch func(ctx context.Context, k K) (V, error), cacheTime time.Duration) *Manager[K, V] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[K, V](Handler[K, V]{
		Fetch: fetch,
		Set: func(k K, v V) {
			g.Set(cacheKey(k), v, cacheTime)
		},
		Get: func(k K) (V, bool) {
			v, ok := g.Get(cacheKey(k))
			if !ok {
				var rt V
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(V), true
		},
	}, 0)
}

func cacheKey[K comparable](k K) string {
	return fmt.Sprint(k)
}

// GetResult returns the cached value for k or joins the fetch of k, starting one if none is running.
// Cancelling ctx abandons the wait but not the shared fetch.
func (m *Manager[K, V]) GetResult(ctx context.Context, k K) (V, error) { //nolint:ireturn
	var empty V
	if m.ctx.Err() != nil {
		return empty, ErrClosed
	}
	if v, ok := m.handler.Get(k); ok {
		return v, nil
	}

	resChan := make(chan result[V], 1)

	m.mu.Lock()
	// the value may have been stored while we were waiting for the lock
	if v, ok := m.handler.Get(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	waiters, running := m.inflight[k]
	m.inflight[k] = append(waiters, resChan)
	m.mu.Unlock()

	if !running {
		go m.fetch(k)
	}

	select {
	case <-ctx.Done():
		return empty, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}

func (m *Manager[K, V]) fetch(k K) {
	ctx, cancel := context.WithTimeout(m.ctx, m.fetchTimeout)
	defer cancel()

	v, err := m.handler.Fetch(ctx, k)
	if err == nil {
		m.handler.Set(k, v)
	}

	m.mu.Lock()
	waiters := m.inflight[k]
	delete(m.inflight, k)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- result[V]{v: v, e: err}
		close(ch)
	}
}

// Close cancels running fetches. Subsequent calls to GetResult fail with ErrClosed.
func (m *Manager[K, V]) Close() {
	m.cancel()
}
