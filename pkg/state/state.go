// Package state keeps the last-known attribute values of one device
// and fans out change events. Delivery to subscribers is at-least-once:
// a duplicate notification emits a redundant event with old == new,
// consumers must tolerate it. The protocol carries no sequence numbers
// for pushed state, so ordering is last-arrival-wins.
package state

import (
	"sync"

	"github.com/zoundctl/zoundctl/pkg/core"
)

// Change is one accepted attribute update. Old is nil for a key seen
// for the first time.
type Change struct {
	Key string `json:"key"`
	Old any    `json:"old"`
	New any    `json:"new"`
}

// Sync is written only by the session's dispatch path and read
// concurrently by any number of subscribers via Snapshot.
type Sync struct {
	core.Listener

	mu      sync.RWMutex
	attrs   map[string]any
	version uint64
}

func NewSync() *Sync {
	return &Sync{attrs: map[string]any{}}
}

// Apply records a new value for key and fires a Change to subscribers.
// Identical values still bump the version and still emit.
func (s *Sync) Apply(key string, value any) {
	s.mu.Lock()
	old, ok := s.attrs[key]
	s.attrs[key] = value
	s.version++
	s.mu.Unlock()

	if !ok {
		old = nil
	}

	s.Fire(Change{Key: key, Old: old, New: value})
}

func (s *Sync) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Version increments on every accepted change. Lets a caller tell a
// change it triggered from one pushed independently by the device.
func (s *Sync) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a copy, safe to hold across further updates.
func (s *Sync) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}
