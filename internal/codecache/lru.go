package codecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// LRUStore keeps the most recently used entries in memory.
type LRUStore struct {
	cache *lru.Cache
}

// NewLRU creates an in-memory store holding at most size entries.
func NewLRU(size int) (*LRUStore, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating module cache: %w", err)
	}
	return &LRUStore{cache: c}, nil
}

func (s *LRUStore) Get(key string) (*Entry, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (s *LRUStore) Put(key string, e *Entry) error {
	s.cache.Add(key, e)
	return nil
}

// Len returns the number of cached entries.
func (s *LRUStore) Len() int { return s.cache.Len() }
