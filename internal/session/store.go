package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/docscan/internal/scanner"
)

// ErrNotFound is returned for an unknown session ID.
var ErrNotFound = errors.New("session not found")

// ScannerFactory builds the scanner backing a new session.
type ScannerFactory func(id string) (scanner.Scanner, error)

// Store keeps sessions by ID.
type Store struct {
	factory ScannerFactory
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store.
func NewStore(factory ScannerFactory, cfg Config) *Store {
	return &Store{factory: factory, cfg: cfg, sessions: make(map[string]*Session)}
}

// Create starts a new session with a fresh scanner.
func (st *Store) Create() (*Session, error) {
	id := uuid.NewString()
	sc, err := st.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create scanner for session %s: %w", id, err)
	}
	s := New(id, sc, st.cfg)

	st.mu.Lock()
	st.sessions[id] = s
	n := len(st.sessions)
	st.mu.Unlock()

	activeSessions.Set(float64(n))
	slog.Info("Session created", "session", id)
	return s, nil
}

// Get returns the session with id or ErrNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns every session ordered by creation time.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

// Delete removes the session and deletes its stored files. The session is
// kept when cleanup fails, so a retry can finish the job.
func (st *Store) Delete(ctx context.Context, id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	if err := s.Cleanup(ctx); err != nil {
		return err
	}

	st.mu.Lock()
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()

	activeSessions.Set(float64(n))
	slog.Info("Session deleted", "session", id)
	return nil
}

// Close cleans up every session. Errors are joined.
func (st *Store) Close(ctx context.Context) error {
	var errs []error
	for _, s := range st.List() {
		if err := st.Delete(ctx, s.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
