package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aha-chat/internal/domain"
)

// Renderer is the surface a turn is drawn on. RenderDelta is called once per
// non-empty delta in arrival order; RenderNotice at most once per turn.
type Renderer interface {
	RenderDelta(delta string)
	RenderNotice(err *Error)
}

// ActivityRecorder is told about every finished turn.
type ActivityRecorder interface {
	RecordTurn(ctx context.Context, outcome domain.TurnOutcome) error
}

// SessionStore persists sessions so every process serving a session id sees
// the same transcript, configuration and in-flight turn.
//
// BeginTurn and EndTurn return domain.ErrTurnConflict when the stored session
// disagrees with the caller: another turn is in flight or the transcript moved on.
type SessionStore interface {
	CreateSession(ctx context.Context, state domain.SessionState) error
	LoadSession(ctx context.Context, id string) (domain.SessionState, bool, error)
	SaveConfig(ctx context.Context, id string, cfg domain.RequestConfig) error
	BeginTurn(ctx context.Context, id string, seq int, msg domain.ChatMessage) error
	EndTurn(ctx context.Context, id string, seq int, reply *domain.ChatMessage) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateIdle
	stateAwaitingResponse
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingResponse:
		return "awaiting-response"
	default:
		return "uninitialized"
	}
}

// ChatSession owns one conversation transcript and the active request
// configuration, and drives one request/response cycle per user turn.
type ChatSession struct {
	id       string
	provider domain.CompletionProvider
	recorder ActivityRecorder
	store    SessionStore
	logger   *slog.Logger
	now      func() time.Time
	fallback domain.RequestConfig

	mu           sync.Mutex
	state        sessionState
	transcript   []domain.ChatMessage
	config       *domain.RequestConfig
	lastActivity time.Time
}

type Option func(*ChatSession)

func WithID(id string) Option {
	return func(s *ChatSession) {
		if id = strings.TrimSpace(id); id != "" {
			s.id = id
		}
	}
}

func WithRecorder(r ActivityRecorder) Option {
	return func(s *ChatSession) {
		s.recorder = r
	}
}

// WithStore makes the session write every turn and configuration change
// through st.
func WithStore(st SessionStore) Option {
	return func(s *ChatSession) {
		s.store = st
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatSession) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaultModel sets the configuration used until SelectModel is called.
// Unknown ids keep the catalog default.
func WithDefaultModel(modelID string) Option {
	return func(s *ChatSession) {
		if m, ok := domain.LookupModel(modelID); ok {
			s.fallback = domain.RequestConfig{ModelID: m.ID, MaxTokens: m.DefaultMaxTokens()}
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *ChatSession) {
		s.now = now
	}
}

// NewChatSession creates an uninitialized session; call Initialize before
// submitting messages.
func NewChatSession(provider domain.CompletionProvider, opts ...Option) (*ChatSession, error) {
	if provider == nil {
		return nil, errors.New("usecase: completion provider must not be nil")
	}
	s := &ChatSession{
		id:       newUUID(),
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		fallback: domain.DefaultRequestConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivity = s.now()
	return s, nil
}

func (s *ChatSession) ID() string { return s.id }

// Initialize seeds the transcript with the system message. Calling it again
// is a no-op.
func (s *ChatSession) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript == nil {
		s.transcript = []domain.ChatMessage{{Role: domain.RoleSystem, Content: systemPrompt}}
	}
	if s.state == stateUninitialized {
		s.state = stateIdle
	}
}

// restore replaces transcript and configuration with state loaded from the
// store. A session with a reply in flight keeps its own state.
func (s *ChatSession) restore(state domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateAwaitingResponse {
		return
	}
	s.transcript = append([]domain.ChatMessage(nil), state.Transcript...)
	if len(s.transcript) == 0 {
		s.transcript = []domain.ChatMessage{{Role: domain.RoleSystem, Content: systemPrompt}}
	}
	s.config = nil
	if state.Config != nil {
		if m, ok := domain.LookupModel(state.Config.ModelID); ok {
			s.config = &domain.RequestConfig{ModelID: m.ID, MaxTokens: m.ClampMaxTokens(state.Config.MaxTokens)}
		}
	}
	s.state = stateIdle
	s.lastActivity = s.now()
}

func (s *ChatSession) snapshot() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.SessionState{
		ID:         s.id,
		Transcript: append([]domain.ChatMessage(nil), s.transcript...),
	}
	if s.config != nil {
		cfg := *s.config
		state.Config = &cfg
	}
	return state
}

// SelectModel makes modelID the active model and clamps maxTokens onto the
// model's budget grid. The transcript is left untouched.
func (s *ChatSession) SelectModel(ctx context.Context, modelID string, maxTokens int) (domain.RequestConfig, error) {
	m, ok := domain.LookupModel(modelID)
	if !ok {
		return s.Config(), newError(ErrorInvalidInput, "unknown_model", nil)
	}
	cfg := domain.RequestConfig{ModelID: m.ID, MaxTokens: m.ClampMaxTokens(maxTokens)}
	if s.store != nil {
		if err := s.store.SaveConfig(ctx, s.id, cfg); err != nil {
			s.logger.Error("failed to save model selection", "session_id", s.id, "err", err)
			return s.Config(), newError(ErrorSessionStore, "save_config", err)
		}
	}

	s.mu.Lock()
	s.config = &cfg
	s.lastActivity = s.now()
	s.mu.Unlock()
	return cfg, nil
}

// Config returns the active request configuration, falling back to the
// session default when nothing was selected yet.
func (s *ChatSession) Config() domain.RequestConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configLocked()
}

func (s *ChatSession) configLocked() domain.RequestConfig {
	if s.config == nil {
		return s.fallback
	}
	return *s.config
}

// Transcript returns a copy of every message, system message included.
func (s *ChatSession) Transcript() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.transcript...)
}

// Visible returns the transcript without the system message.
func (s *ChatSession) Visible() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return visibleMessages(s.transcript)
}

// Busy reports whether a reply is currently streaming.
func (s *ChatSession) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAwaitingResponse
}

func (s *ChatSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Submit appends the user message, streams the reply through r and appends
// the assistant message once the stream is drained. On failure the user
// message stays, nothing else is appended, r gets exactly one notice and the
// same error is returned. A turn the store refuses leaves the transcript as it
// was.
func (s *ChatSession) Submit(ctx context.Context, text string, r Renderer) (domain.ChatMessage, error) {
	if r == nil {
		r = discardRenderer{}
	}

	cfg, payload, seq, uerr := s.begin(text)
	if uerr != nil {
		r.RenderNotice(uerr)
		return domain.ChatMessage{}, uerr
	}

	log := s.logger.With("session_id", s.id, "model", cfg.ModelID, "max_tokens", cfg.MaxTokens)
	if uerr := s.claim(ctx, seq, payload[seq]); uerr != nil {
		log.Warn("chat turn rejected", "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
		r.RenderNotice(uerr)
		return domain.ChatMessage{}, uerr
	}
	log.Info("chat turn started", "messages", len(payload))
	started := s.now()

	reply, uerr := s.stream(ctx, cfg, payload, r)
	if uerr != nil {
		s.finish(ctx, seq+1, nil)
		log.Error("chat turn failed", "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
		r.RenderNotice(uerr)
		s.record(ctx, cfg, false)
		return domain.ChatMessage{}, uerr
	}

	msg := domain.ChatMessage{Role: domain.RoleAssistant, Content: reply}
	s.finish(ctx, seq+1, &msg)
	log.Info("chat turn completed", "reply_chars", len(reply), "elapsed", s.now().Sub(started))
	s.record(ctx, cfg, true)
	return msg, nil
}

// begin appends the user message and returns its transcript position.
func (s *ChatSession) begin(text string) (domain.RequestConfig, []domain.ChatMessage, int, *Error) {
	if text == "" {
		return domain.RequestConfig{}, nil, 0, newError(ErrorInvalidInput, "empty_message", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateUninitialized:
		return domain.RequestConfig{}, nil, 0, newError(ErrorUninitialized, "session_uninitialized", nil)
	case stateAwaitingResponse:
		return domain.RequestConfig{}, nil, 0, newError(ErrorRequestInFlight, "reply_streaming", nil)
	}

	s.transcript = append(s.transcript, domain.ChatMessage{Role: domain.RoleUser, Content: text})
	s.state = stateAwaitingResponse
	s.lastActivity = s.now()
	return s.configLocked(), buildPayload(s.transcript), len(s.transcript) - 1, nil
}

// claim takes the stored turn for the user message at seq. When the store
// refuses, the message is taken back out of the transcript.
func (s *ChatSession) claim(ctx context.Context, seq int, msg domain.ChatMessage) *Error {
	if s.store == nil {
		return nil
	}
	err := s.store.BeginTurn(ctx, s.id, seq, msg)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if len(s.transcript) > seq {
		s.transcript = s.transcript[:seq]
	}
	s.state = stateIdle
	s.mu.Unlock()

	if errors.Is(err, domain.ErrTurnConflict) {
		return newError(ErrorRequestInFlight, "reply_streaming", err)
	}
	return newError(ErrorSessionStore, "begin_turn", err)
}

func (s *ChatSession) stream(ctx context.Context, cfg domain.RequestConfig, payload []domain.ChatMessage, r Renderer) (string, *Error) {
	stream, err := s.provider.StreamChat(ctx, domain.CompletionRequest{
		Model:     cfg.ModelID,
		MaxTokens: cfg.MaxTokens,
		Messages:  payload,
		Stream:    true,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return "", newError(ErrorProviderInvocation, "provider_rate_limited", err)
		}
		return "", newError(ErrorProviderInvocation, "provider_error", err)
	}
	if stream == nil {
		return "", newError(ErrorProviderInvocation, "provider_error", errors.New("usecase: provider returned no stream"))
	}
	defer func() { _ = stream.Close() }()

	var reply strings.Builder
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			return "", newError(ErrorStreamConsumption, "stream_error", err)
		}
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		r.RenderDelta(delta)
	}
}

// finish appends reply at seq, when there is one, and releases the turn.
func (s *ChatSession) finish(ctx context.Context, seq int, reply *domain.ChatMessage) {
	s.mu.Lock()
	if reply != nil {
		s.transcript = append(s.transcript, *reply)
	}
	s.state = stateIdle
	s.lastActivity = s.now()
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	// The claim must be released even when the request that streamed the
	// reply was cancelled.
	if err := s.store.EndTurn(context.WithoutCancel(ctx), s.id, seq, reply); err != nil {
		s.logger.Error("failed to save chat turn", "session_id", s.id, "err", err)
	}
}

func (s *ChatSession) record(ctx context.Context, cfg domain.RequestConfig, ok bool) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.RecordTurn(ctx, domain.TurnOutcome{
		SessionID: s.id,
		ModelID:   cfg.ModelID,
		MaxTokens: cfg.MaxTokens,
		Succeeded: ok,
	})
	if err != nil {
		s.logger.Warn("failed to record session activity", "session_id", s.id, "err", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

type discardRenderer struct{}

func (discardRenderer) RenderDelta(string)  {}
func (discardRenderer) RenderNotice(*Error) {}

var newUUID = func() string {
	return uuid.NewString()
}
