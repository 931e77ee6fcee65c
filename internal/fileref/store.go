// Package fileref implements the short-lived keyed byte store bridging
// HTTP uploads into WS-submitted jobs. It is one of the two process-wide
// singletons in the service (the other is the Dream Controller).
package fileref

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is one stored upload. Refs are multi-read within TTL so client
// retries can resubmit with the same ref; Take does not delete on first
// read.
type entry struct {
	bytes       []byte
	contentType string
	createdAt   time.Time
	ttl         time.Duration
}

// Store is the File-Ref Store. Process-wide; cleared on shutdown.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	sweep   time.Duration
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a store with the given default TTL (300s when zero) and
// sweep cadence (30s when zero).
func New(ttl, sweep time.Duration) *Store {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Store{
		entries: make(map[string]entry),
		ttl:     ttl,
		sweep:   sweep,
		stop:    make(chan struct{}),
	}
}

// Put stores bytes under a fresh opaque 128-bit key and returns the ref.
func (s *Store) Put(bytes []byte, contentType string) string {
	ref := uuid.New().String()
	s.mu.Lock()
	s.entries[ref] = entry{bytes: bytes, contentType: contentType, createdAt: time.Now(), ttl: s.ttl}
	s.mu.Unlock()
	return ref
}

// Take returns the bytes for ref if it exists and has not expired. A
// reference missing or past its TTL is a recoverable error the caller
// maps to job:error{kind: RefNotFound}.
func (s *Store) Take(ref string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	if !ok {
		return nil, "", false
	}
	if time.Since(e.createdAt) > e.ttl {
		delete(s.entries, ref)
		return nil, "", false
	}
	return e.bytes, e.contentType, true
}

// StartSweeper launches the background goroutine that removes expired
// entries at the configured cadence.
func (s *Store) StartSweeper() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.sweep)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sweepOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Store) sweepOnce() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, e := range s.entries {
		if now.Sub(e.createdAt) > e.ttl {
			delete(s.entries, ref)
		}
	}
}

// Close stops the sweeper and clears all entries.
func (s *Store) Close() {
	close(s.stop)
	s.wg.Wait()
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}
