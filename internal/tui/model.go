// Package tui is the terminal chat client.
package tui

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"aha-chat/internal/domain"
	"aha-chat/internal/usecase"
)

const (
	inputPlaceholder = "Enter your message..."

	defaultWidth  = 80
	defaultHeight = 24
	// header, status, notice and input lines
	chromeHeight = 6
)

// Session is the part of usecase.ChatSession the terminal drives.
type Session interface {
	Submit(ctx context.Context, text string, r usecase.Renderer) (domain.ChatMessage, error)
	SelectModel(ctx context.Context, modelID string, maxTokens int) (domain.RequestConfig, error)
	Config() domain.RequestConfig
	Visible() []domain.ChatMessage
}

type Option func(*Model)

// WithGlamourStyle picks the glamour style used for replies, e.g. "dark",
// "light" or "notty".
func WithGlamourStyle(style string) Option {
	return func(m *Model) {
		if style != "" {
			m.style = style
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// Model is the Bubble Tea model of the chat screen.
type Model struct {
	ctx     context.Context
	session Session
	logger  *slog.Logger

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	style    string
	markdown *glamour.TermRenderer

	width, height int

	events    chan tea.Msg
	streaming bool
	live      strings.Builder
	notice    string
}

func New(ctx context.Context, session Session, opts ...Option) *Model {
	in := textinput.New()
	in.Placeholder = inputPlaceholder
	in.Prompt = "› "
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		ctx:      ctx,
		session:  session,
		logger:   slog.Default(),
		input:    in,
		viewport: viewport.New(defaultWidth, defaultHeight-chromeHeight),
		spinner:  sp,
		style:    "dark",
		width:    defaultWidth,
		height:   defaultHeight,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resize(defaultWidth, defaultHeight)
	return m
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case deltaMsg:
		m.live.WriteString(msg.text)
		m.refresh()
		return m, waitForEvent(m.events)

	case noticeMsg:
		m.notice = "🚨 " + msg.err.Notice()
		return m, waitForEvent(m.events)

	case turnDoneMsg:
		m.streaming = false
		m.live.Reset()
		if msg.err != nil {
			m.logger.Warn("chat turn failed", "err", msg.err)
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.refresh()
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "tab":
		cfg := m.session.Config()
		m.selectModel(domain.NextModel(cfg.ModelID).ID, cfg.MaxTokens)
		return m, nil
	case "ctrl+up":
		cfg := m.session.Config()
		m.selectModel(cfg.ModelID, cfg.MaxTokens+domain.MaxTokensStep)
		return m, nil
	case "ctrl+down":
		cfg := m.session.Config()
		m.selectModel(cfg.ModelID, cfg.MaxTokens-domain.MaxTokensStep)
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case "enter":
		return m, m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) selectModel(modelID string, maxTokens int) {
	if _, err := m.session.SelectModel(m.ctx, modelID, maxTokens); err != nil {
		var uerr *usecase.Error
		if errors.As(err, &uerr) {
			m.notice = "🚨 " + uerr.Notice()
		}
		return
	}
	m.notice = ""
}

// submit starts a turn for the current input. Blank input and input typed
// while a reply streams are left in the box.
func (m *Model) submit() tea.Cmd {
	text := m.input.Value()
	if m.streaming || strings.TrimSpace(text) == "" {
		return nil
	}
	m.input.Reset()
	m.notice = ""
	m.streaming = true
	m.events = make(chan tea.Msg)

	ch, session, ctx := m.events, m.session, m.ctx
	run := func() tea.Msg {
		reply, err := session.Submit(ctx, text, channelRenderer{ch: ch})
		ch <- turnDoneMsg{reply: reply, err: err}
		return nil
	}
	m.refresh()
	return tea.Batch(run, waitForEvent(ch), m.spinner.Tick)
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.Width = max(width-4, 10)
	m.viewport.Width = width
	m.viewport.Height = max(height-chromeHeight, 3)

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.style),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		m.logger.Warn("markdown renderer unavailable", "err", err)
		r = nil
	}
	m.markdown = r
	m.refresh()
}

// refresh rebuilds the transcript view and keeps it scrolled to the bottom.
func (m *Model) refresh() {
	m.viewport.SetContent(m.transcriptView())
	m.viewport.GotoBottom()
}
