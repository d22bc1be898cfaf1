package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aha-chat/internal/domain"
)

type storedSession struct {
	transcript []domain.ChatMessage
	config     *domain.RequestConfig
	busy       bool
}

// memoryStore mirrors the conditions the DynamoDB store enforces.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*storedSession
	loadErr  error
	saveErr  error
	beginErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: map[string]*storedSession{}}
}

func (m *memoryStore) CreateSession(_ context.Context, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[state.ID]; ok {
		return fmt.Errorf("create %s: %w", state.ID, domain.ErrTurnConflict)
	}
	m.sessions[state.ID] = &storedSession{
		transcript: append([]domain.ChatMessage(nil), state.Transcript...),
		config:     state.Config,
	}
	return nil
}

func (m *memoryStore) LoadSession(_ context.Context, id string) (domain.SessionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.SessionState{}, false, m.loadErr
	}
	st, ok := m.sessions[id]
	if !ok {
		return domain.SessionState{}, false, nil
	}
	return domain.SessionState{
		ID:         id,
		Transcript: append([]domain.ChatMessage(nil), st.transcript...),
		Config:     st.config,
	}, true, nil
}

func (m *memoryStore) SaveConfig(_ context.Context, id string, cfg domain.RequestConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	st, ok := m.sessions[id]
	if !ok {
		return errors.New("no such session")
	}
	st.config = &cfg
	return nil
}

func (m *memoryStore) BeginTurn(_ context.Context, id string, seq int, msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	st, ok := m.sessions[id]
	if !ok || st.busy || len(st.transcript) != seq {
		return fmt.Errorf("begin %s: %w", id, domain.ErrTurnConflict)
	}
	st.transcript = append(st.transcript, msg)
	st.busy = true
	return nil
}

func (m *memoryStore) EndTurn(_ context.Context, id string, seq int, reply *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok || !st.busy || len(st.transcript) != seq {
		return fmt.Errorf("end %s: %w", id, domain.ErrTurnConflict)
	}
	if reply != nil {
		st.transcript = append(st.transcript, *reply)
	}
	st.busy = false
	return nil
}

func (m *memoryStore) stored(t *testing.T, id string) *storedSession {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	require.True(t, ok, "session %s not stored", id)
	return st
}

func newStoreRegistry(t *testing.T, p domain.CompletionProvider, store SessionStore) *Registry {
	t.Helper()
	r, err := NewRegistry(p, store, time.Hour, nil)
	require.NoError(t, err)
	return r
}

func TestRegistry_CreatePersistsSession(t *testing.T) {
	store := newMemoryStore()
	r := newStoreRegistry(t, &stubProvider{}, store)

	s, err := r.Create(context.Background())
	require.NoError(t, err)

	st := store.stored(t, s.ID())
	require.Len(t, st.transcript, 1)
	require.Equal(t, domain.RoleSystem, st.transcript[0].Role)
	require.False(t, st.busy)
}

func TestRegistry_SharedStoreCarriesSessionAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	p := &stubProvider{streams: []*stubStream{{deltas: []string{"hello ", "there"}}}}
	envA := newStoreRegistry(t, p, store)
	envB := newStoreRegistry(t, p, store)

	a, err := envA.Create(ctx)
	require.NoError(t, err)
	_, err = a.Submit(ctx, "hi", nil)
	require.NoError(t, err)

	b, created, err := envB.Resolve(ctx, a.ID())
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, a.ID(), b.ID())
	require.Equal(t, a.Transcript(), b.Transcript())

	_, err = b.SelectModel(ctx, "llama3-8b-8192", 2048)
	require.NoError(t, err)

	again, created, err := envA.Resolve(ctx, a.ID())
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, a, again)
	require.Len(t, again.Visible(), 2)
	require.Equal(t, domain.RequestConfig{ModelID: "llama3-8b-8192", MaxTokens: 2048}, again.Config())
}

func TestRegistry_ResolveUnknownIDWithStoreCreates(t *testing.T) {
	store := newMemoryStore()
	r := newStoreRegistry(t, &stubProvider{}, store)

	s, created, err := r.Resolve(context.Background(), "expired")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, "expired", s.ID())
	store.stored(t, s.ID())
}

func TestRegistry_ResolveLoadError(t *testing.T) {
	store := newMemoryStore()
	store.loadErr = errors.New("throttled")
	r := newStoreRegistry(t, &stubProvider{}, store)

	_, _, err := r.Resolve(context.Background(), "abc")
	expectSessionError(t, err, ErrorSessionStore, "load_session")
	require.Zero(t, r.Len())
}

func TestSubmit_RejectedWhileTurnHeldByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	bs := &blockingStream{started: make(chan struct{}), release: make(chan struct{})}
	envA := newStoreRegistry(t, &blockingProvider{stream: bs}, store)
	other := &stubProvider{}
	envB := newStoreRegistry(t, other, store)

	a, err := envA.Create(ctx)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Submit(ctx, "first", nil)
		errCh <- err
	}()
	<-bs.started

	b, created, err := envB.Resolve(ctx, a.ID())
	require.NoError(t, err)
	require.False(t, created)
	require.False(t, b.Busy())

	r := &recordingRenderer{}
	_, err = b.Submit(ctx, "second", r)
	expectSessionError(t, err, ErrorRequestInFlight, "reply_streaming")
	require.Len(t, r.notices, 1)
	require.Zero(t, other.calls)
	require.Len(t, b.Transcript(), 2)
	require.False(t, b.Busy())

	close(bs.release)
	require.NoError(t, <-errCh)

	st := store.stored(t, a.ID())
	require.False(t, st.busy)
	require.Len(t, st.transcript, 3)
	require.Equal(t, "first", st.transcript[1].Content)
	require.Equal(t, "done", st.transcript[2].Content)
}

func TestSubmit_StoreFailureLeavesTranscript(t *testing.T) {
	store := newMemoryStore()
	p := &stubProvider{}
	r := newStoreRegistry(t, p, store)
	s, err := r.Create(context.Background())
	require.NoError(t, err)

	store.beginErr = errors.New("table unavailable")
	rr := &recordingRenderer{}
	_, err = s.Submit(context.Background(), "hi", rr)
	expectSessionError(t, err, ErrorSessionStore, "begin_turn")
	require.Len(t, rr.notices, 1)
	require.Zero(t, p.calls)
	require.Len(t, s.Transcript(), 1)
	require.False(t, s.Busy())
}

func TestSubmit_FailedTurnReleasesStoredClaim(t *testing.T) {
	store := newMemoryStore()
	r := newStoreRegistry(t, &stubProvider{err: errors.New("boom")}, store)
	s, err := r.Create(context.Background())
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "hi", nil)
	expectSessionError(t, err, ErrorProviderInvocation, "provider_error")

	st := store.stored(t, s.ID())
	require.False(t, st.busy)
	require.Len(t, st.transcript, 2)
	require.Equal(t, s.Transcript(), st.transcript)
}

func TestSelectModel_StoreFailureKeepsConfig(t *testing.T) {
	store := newMemoryStore()
	r := newStoreRegistry(t, &stubProvider{}, store)
	s, err := r.Create(context.Background())
	require.NoError(t, err)

	store.saveErr = errors.New("throttled")
	cfg, err := s.SelectModel(context.Background(), "llama3-8b-8192", 1024)
	expectSessionError(t, err, ErrorSessionStore, "save_config")
	require.Equal(t, domain.DefaultRequestConfig(), cfg)
	require.Equal(t, domain.DefaultRequestConfig(), s.Config())
}
