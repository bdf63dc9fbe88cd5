// Package blob keeps uploaded file bytes addressable by handle until they
// are released. Sessions hold one handle per selected file and release it
// when the file is superseded or the session ends.
package blob

import (
	"errors"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// ErrNotFound is returned for unknown or released handles.
var ErrNotFound = errors.New("blob not found")

// Handle references stored bytes.
type Handle struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	Created     time.Time `json:"created"`
}

type entry struct {
	handle Handle
	data   []byte
}

// Store is an in-memory blob registry safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	bytes   int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Put stores data and returns its handle. The slice is retained, not copied.
func (s *Store) Put(data []byte, contentType string) Handle {
	h := Handle{
		ID:          ksuid.New().String(),
		ContentType: contentType,
		Size:        len(data),
		Created:     time.Now(),
	}
	s.mu.Lock()
	s.entries[h.ID] = entry{handle: h, data: data}
	s.bytes += int64(len(data))
	s.mu.Unlock()
	return h
}

// Get returns the bytes for id.
func (s *Store) Get(id string) ([]byte, Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, Handle{}, ErrNotFound
	}
	return e.data, e.handle, nil
}

// Release drops id. Releasing an unknown id is a no-op and reports false.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	s.bytes -= int64(len(e.data))
	return true
}

// Len returns the number of live blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Bytes returns the total size of live blobs.
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}
