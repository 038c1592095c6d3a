// Package idempotency caches HTTP responses keyed by a caller-supplied
// idempotency key, so a retried POST /schedule never double-submits.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is the cached HTTP response shape replayed verbatim on a
// repeated request.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is the durable cache a Store prefers when available.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store caches responses against Backend, falling back to an in-process
// map when no backend is configured (e.g. local dev against no Redis).
type Store struct {
	backend Backend
	cache   sync.Map
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// NewStore builds a Store. backend may be nil.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("idempotency: backend get %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > 24*time.Hour {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

// Set caches resp under key for 24h.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}

	if s.backend != nil {
		bytes, _ := json.Marshal(e)
		if err := s.backend.Set(ctx, key, string(bytes), 24*time.Hour); err != nil {
			log.Printf("idempotency: backend set %s: %v", key, err)
		}
		return
	}
	s.cache.Store(key, e)
}
