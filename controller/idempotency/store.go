// Package idempotency replays recorded responses for mutating requests
// that arrive more than once with the same client-chosen key.
package idempotency

import (
	"sync"
	"time"
)

// Response is a captured HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Store keeps responses for replay. Entries expire after an hour; a
// client retrying later than that gets a fresh execution.
type Store struct {
	cache sync.Map
	ttl   time.Duration
	now   func() time.Time
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewStore() *Store {
	return &Store{ttl: time.Hour, now: time.Now}
}

func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if s.now().Sub(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(key string, resp Response) {
	s.cache.Store(key, entry{resp: resp, timestamp: s.now()})
}
