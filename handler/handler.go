package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"aha-chat/internal/domain"
	"aha-chat/internal/markdown"
	"aha-chat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	sessionCookie     = "aha_session"
	errorInternal     = "INTERNAL"
)

// SessionStore hands out the chat session bound to a browser cookie.
type SessionStore interface {
	Resolve(ctx context.Context, id string) (s *usecase.ChatSession, created bool, err error)
}

// ActivityReader exposes the per-session activity ledger.
type ActivityReader interface {
	GetActivity(ctx context.Context, sessionID string) (domain.SessionActivity, bool, error)
}

type Handler struct {
	sessions SessionStore
	activity ActivityReader
	markdown *markdown.Renderer
	logger   *slog.Logger
}

type Option func(*Handler)

// WithActivity enables GET /api/activity.
func WithActivity(r ActivityReader) Option {
	return func(h *Handler) {
		h.activity = r
	}
}

func NewHandler(sessions SessionStore, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{sessions: sessions, markdown: markdown.New(), logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type modelRequest struct {
	ModelID   string `json:"modelId"`
	MaxTokens int    `json:"maxTokens"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type modelsResponse struct {
	Models []domain.ModelConfig `json:"models"`
	Active domain.RequestConfig `json:"active"`
}

type messageView struct {
	Role    domain.Role `json:"role"`
	Avatar  string      `json:"avatar"`
	Content string      `json:"content"`
	HTML    string      `json:"html"`
}

type transcriptResponse struct {
	SessionID string        `json:"sessionId"`
	Messages  []messageView `json:"messages"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// request carries per-invocation state through the route handlers.
type request struct {
	event         events.LambdaFunctionURLRequest
	correlationID string
	session       *usecase.ChatSession
	setCookie     bool
	log           *slog.Logger
}

type routeFunc func(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse

// Handle serves one Function URL invocation. Chat replies are streamed, so
// the function must use the RESPONSE_STREAM invoke mode.
func (h *Handler) Handle(ctx context.Context, event events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	req := &request{event: event, correlationID: correlationID(event.Headers)}
	req.log = h.logger.With("correlation_id", req.correlationID)

	method := strings.ToUpper(event.RequestContext.HTTP.Method)
	path := event.RawPath
	if path == "" {
		path = event.RequestContext.HTTP.Path
	}
	req.log.Info("request received", "method", method, "path", path)

	serve := h.route(method, path)
	if serve == nil {
		return h.jsonResponse(req, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"}), nil
	}

	s, created, err := h.sessions.Resolve(ctx, cookieValue(event.Cookies, sessionCookie))
	if err != nil {
		req.log.Error("failed to resolve chat session", "err", err)
		return h.errorResponse(req, err), nil
	}
	req.session, req.setCookie = s, created
	req.log = req.log.With("session_id", s.ID())

	return serve(ctx, req), nil
}

// route returns the handler for method and path, or nil when nothing matches.
func (h *Handler) route(method, path string) routeFunc {
	switch {
	case method == http.MethodGet && path == "/":
		return h.page
	case method == http.MethodGet && path == "/api/models":
		return h.models
	case method == http.MethodPost && path == "/api/model":
		return h.selectModel
	case method == http.MethodGet && path == "/api/transcript":
		return h.transcript
	case method == http.MethodGet && path == "/api/activity":
		return h.sessionActivity
	case method == http.MethodPost && path == "/api/messages":
		return h.submit
	default:
		return nil
	}
}

func (h *Handler) models(_ context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	return h.jsonResponse(req, http.StatusOK, modelsResponse{Models: domain.Catalog(), Active: req.session.Config()})
}

func (h *Handler) selectModel(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	var in modelRequest
	if err := decodeBody(req.event, &in); err != nil {
		return h.jsonResponse(req, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	cfg, err := req.session.SelectModel(ctx, in.ModelID, in.MaxTokens)
	if err != nil {
		return h.errorResponse(req, err)
	}
	req.log.Info("model selected", "model", cfg.ModelID, "max_tokens", cfg.MaxTokens)
	return h.jsonResponse(req, http.StatusOK, cfg)
}

func (h *Handler) transcript(_ context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	return h.jsonResponse(req, http.StatusOK, transcriptResponse{
		SessionID: req.session.ID(),
		Messages:  h.views(req.session.Visible()),
	})
}

func (h *Handler) sessionActivity(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	if h.activity == nil {
		return h.jsonResponse(req, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "activity_disabled"})
	}
	a, ok, err := h.activity.GetActivity(ctx, req.session.ID())
	if err != nil {
		req.log.Error("failed to read session activity", "err", err)
		return h.errorResponse(req, err)
	}
	if !ok {
		return h.jsonResponse(req, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "no_activity"})
	}
	return h.jsonResponse(req, http.StatusOK, a)
}

// submit streams one chat turn as server-sent events.
func (h *Handler) submit(ctx context.Context, req *request) *events.LambdaFunctionURLStreamingResponse {
	var in messageRequest
	if err := decodeBody(req.event, &in); err != nil {
		return h.jsonResponse(req, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	if strings.TrimSpace(in.Text) == "" {
		return h.jsonResponse(req, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "empty_message"})
	}

	pr, pw := io.Pipe()
	go func() {
		sse := newEventWriter(pw)
		reply, err := req.session.Submit(ctx, in.Text, sse)

		var user, assistant *messageView
		if turnKeptUserMessage(err) {
			v := h.view(domain.ChatMessage{Role: domain.RoleUser, Content: in.Text})
			user = &v
		}
		if err == nil {
			v := h.view(reply)
			assistant = &v
		}
		sse.done(user, assistant)
		_ = pw.CloseWithError(sse.err)
	}()

	resp := h.baseResponse(req, http.StatusOK)
	resp.Headers["Content-Type"] = "text/event-stream"
	resp.Headers["Cache-Control"] = "no-cache"
	resp.Body = pr
	return resp
}

// turnKeptUserMessage reports whether the user message of a finished turn is
// in the transcript. It is dropped only when the turn never reached the
// provider.
func turnKeptUserMessage(err error) bool {
	if err == nil {
		return true
	}
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return false
	}
	return uerr.Code == usecase.ErrorProviderInvocation || uerr.Code == usecase.ErrorStreamConsumption
}

func (h *Handler) views(msgs []domain.ChatMessage) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, h.view(m))
	}
	return out
}

func (h *Handler) view(m domain.ChatMessage) messageView {
	return messageView{
		Role:    m.Role,
		Avatar:  avatar(m.Role),
		Content: m.Content,
		HTML:    string(h.markdown.ToHTML(m.Content)),
	}
}

func avatar(role domain.Role) string {
	if role == domain.RoleUser {
		return "👨‍💻"
	}
	return "🤖"
}

func (h *Handler) baseResponse(req *request, status int) *events.LambdaFunctionURLStreamingResponse {
	resp := &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    map[string]string{correlationHeader: req.correlationID},
	}
	if req.setCookie && req.session != nil {
		c := &http.Cookie{
			Name:     sessionCookie,
			Value:    req.session.ID(),
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		}
		resp.Cookies = []string{c.String()}
	}
	return resp
}

func (h *Handler) jsonResponse(req *request, status int, v any) *events.LambdaFunctionURLStreamingResponse {
	body, err := json.Marshal(v)
	if err != nil {
		req.log.Error("failed to marshal response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + errorInternal + `"}`)
	}
	resp := h.baseResponse(req, status)
	resp.Headers["Content-Type"] = "application/json"
	resp.Body = strings.NewReader(string(body))
	return resp
}

func (h *Handler) errorResponse(req *request, err error) *events.LambdaFunctionURLStreamingResponse {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return h.jsonResponse(req, http.StatusInternalServerError, errorResponse{Error: errorInternal})
	}
	return h.jsonResponse(req, statusFor(uerr.Code), errorResponse{
		Error:   string(uerr.Code),
		Reason:  uerr.Reason,
		Message: uerr.Notice(),
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRequestInFlight, usecase.ErrorUninitialized:
		return http.StatusConflict
	case usecase.ErrorProviderInvocation, usecase.ErrorStreamConsumption:
		return http.StatusBadGateway
	case usecase.ErrorSessionStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(event events.LambdaFunctionURLRequest, v any) error {
	body := event.Body
	if event.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	return json.Unmarshal([]byte(body), v)
}

// correlationID returns the caller's correlation id or a new one. Function
// URL header names arrive lower-cased.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func cookieValue(cookies []string, name string) string {
	for _, raw := range cookies {
		for _, part := range strings.Split(raw, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				return v
			}
		}
	}
	return ""
}
