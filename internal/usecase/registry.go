package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"aha-chat/internal/domain"
)

const defaultMaxIdle = 2 * time.Hour

// Registry keeps one ChatSession per browser or terminal session in process
// memory. Sessions that stay idle longer than maxIdle are dropped.
//
// With a store, memory is only a cache: every Resolve reloads the session so
// processes sharing the store agree on transcript and in-flight turn.
type Registry struct {
	provider domain.CompletionProvider
	store    SessionStore
	opts     []Option
	maxIdle  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*ChatSession
}

// NewRegistry builds a registry whose sessions share provider, store, logger
// and opts. store may be nil for a single long-lived process.
func NewRegistry(provider domain.CompletionProvider, store SessionStore, maxIdle time.Duration, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("usecase: completion provider must not be nil")
	}
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		store:    store,
		opts:     append([]Option{WithLogger(logger), WithStore(store)}, opts...),
		maxIdle:  maxIdle,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*ChatSession),
	}, nil
}

func (r *Registry) newSession(id string) (*ChatSession, error) {
	opts := append(append([]Option(nil), r.opts...), WithID(id), withClock(r.now))
	return NewChatSession(r.provider, opts...)
}

// Create starts a new initialized session and, with a store, persists it.
func (r *Registry) Create(ctx context.Context) (*ChatSession, error) {
	r.EvictIdle()

	s, err := r.newSession(newUUID())
	if err != nil {
		return nil, err
	}
	s.Initialize()
	if r.store != nil {
		if err := r.store.CreateSession(ctx, s.snapshot()); err != nil {
			r.logger.Error("failed to save new chat session", "session_id", s.ID(), "err", err)
			return nil, newError(ErrorSessionStore, "create_session", err)
		}
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.logger.Info("chat session created", "session_id", s.ID())
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, newError(ErrorNotFound, "unknown_session", nil)
	}
	return s, nil
}

// Resolve returns the session for id, creating a new one (with a fresh id)
// when id is empty or unknown. created reports whether a new session was made.
func (r *Registry) Resolve(ctx context.Context, id string) (s *ChatSession, created bool, err error) {
	if id != "" {
		if r.store == nil {
			if s, err := r.Get(id); err == nil {
				return s, false, nil
			}
		} else {
			s, err := r.load(ctx, id)
			if err != nil {
				return nil, false, err
			}
			if s != nil {
				return s, false, nil
			}
		}
	}
	s, err = r.Create(ctx)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// load refreshes the cached session from the store, or builds it when this
// process has not seen it yet. It returns nil when the store has no session.
func (r *Registry) load(ctx context.Context, id string) (*ChatSession, error) {
	state, ok, err := r.store.LoadSession(ctx, id)
	if err != nil {
		r.logger.Error("failed to load chat session", "session_id", id, "err", err)
		return nil, newError(ErrorSessionStore, "load_session", err)
	}
	if !ok {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, cached := r.sessions[id]; cached {
		s.restore(state)
		return s, nil
	}
	s, err := r.newSession(id)
	if err != nil {
		return nil, err
	}
	s.restore(state)
	r.sessions[id] = s
	r.logger.Info("chat session loaded", "session_id", id, "messages", len(state.Transcript))
	return s, nil
}

// EvictIdle drops idle sessions and returns how many were removed. Sessions
// with a reply in flight are kept.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if s.Busy() || s.LastActivity().After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		removed++
	}
	if removed > 0 {
		r.logger.Info("evicted idle chat sessions", "count", removed)
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
