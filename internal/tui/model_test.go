package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"aha-chat/internal/domain"
	"aha-chat/internal/usecase"
)

type stubStream struct {
	deltas []string
	err    error
}

func (s *stubStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *stubStream) Close() error { return nil }

type stubProvider struct {
	stream *stubStream
	err    error
	calls  int
}

func (p *stubProvider) StreamChat(context.Context, domain.CompletionRequest) (domain.DeltaStream, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

func newTestModel(t *testing.T, p *stubProvider) (*Model, *usecase.ChatSession) {
	t.Helper()
	s, err := usecase.NewChatSession(p)
	require.NoError(t, err)
	s.Initialize()
	return New(context.Background(), s, WithGlamourStyle("notty")), s
}

// drive runs cmd and feeds the resulting messages back into m until done
// reports true.
func drive(t *testing.T, m *Model, cmd tea.Cmd, done func() bool) {
	t.Helper()
	msgs := make(chan tea.Msg, 64)
	run := func(c tea.Cmd) {
		if c != nil {
			go func() { msgs <- c() }()
		}
	}
	run(cmd)

	timeout := time.After(5 * time.Second)
	for !done() {
		select {
		case msg := <-msgs:
			switch msg := msg.(type) {
			case nil:
			case tea.BatchMsg:
				for _, c := range msg {
					run(c)
				}
			default:
				_, next := m.Update(msg)
				run(next)
			}
		case <-timeout:
			t.Fatal("timed out waiting for the turn to finish")
		}
	}
}

func key(k tea.KeyType) tea.KeyMsg {
	return tea.KeyMsg{Type: k}
}

func TestSubmit_StreamsReplyIntoTranscript(t *testing.T) {
	p := &stubProvider{stream: &stubStream{deltas: []string{"Hel", "", "lo", " world"}}}
	m, s := newTestModel(t, p)

	m.input.SetValue("hi")
	_, cmd := m.Update(key(tea.KeyEnter))
	require.True(t, m.streaming)
	require.Empty(t, m.input.Value())
	require.Contains(t, m.View(), "thinking")

	drive(t, m, cmd, func() bool { return !m.streaming })

	visible := s.Visible()
	require.Len(t, visible, 2)
	require.Equal(t, "hi", visible[0].Content)
	require.Equal(t, "Hello world", visible[1].Content)
	require.Empty(t, m.notice)

	view := m.transcriptView()
	require.Contains(t, view, "👨‍💻 You")
	require.Contains(t, view, "🤖 Assistant")
	require.Contains(t, view, "Hello world")
}

func TestSubmit_IgnoresBlankInput(t *testing.T) {
	p := &stubProvider{}
	m, s := newTestModel(t, p)

	for _, text := range []string{"", "   ", "\t"} {
		m.input.SetValue(text)
		_, cmd := m.Update(key(tea.KeyEnter))
		require.Nil(t, cmd)
		require.False(t, m.streaming)
	}
	require.Empty(t, s.Visible())
	require.Zero(t, p.calls)
}

func TestSubmit_IgnoredWhileStreaming(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	m.streaming = true
	m.input.SetValue("again")

	_, cmd := m.Update(key(tea.KeyEnter))
	require.Nil(t, cmd)
	require.Equal(t, "again", m.input.Value())
}

func TestSubmit_FailureShowsNotice(t *testing.T) {
	p := &stubProvider{err: errors.New("dial tcp: connection refused")}
	m, s := newTestModel(t, p)

	m.input.SetValue("hi")
	_, cmd := m.Update(key(tea.KeyEnter))
	drive(t, m, cmd, func() bool { return !m.streaming })

	require.True(t, strings.HasPrefix(m.notice, "🚨 "))
	require.Contains(t, m.notice, "connection refused")
	require.Contains(t, m.View(), "connection refused")

	visible := s.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, domain.RoleUser, visible[0].Role)
}

func TestKeys_CycleModelAndAdjustTokens(t *testing.T) {
	m, s := newTestModel(t, &stubProvider{})
	require.Equal(t, domain.DefaultRequestConfig(), s.Config())

	m.Update(key(tea.KeyCtrlDown))
	require.Equal(t, 7680, s.Config().MaxTokens)

	m.Update(key(tea.KeyCtrlUp))
	m.Update(key(tea.KeyCtrlUp))
	require.Equal(t, 8192, s.Config().MaxTokens, "clamped at the model maximum")

	m.Update(key(tea.KeyTab))
	require.Equal(t, "llama3-8b-8192", s.Config().ModelID)
	require.Contains(t, m.View(), "LLaMA3-8b")

	m.Update(key(tea.KeyTab))
	require.Equal(t, "llama3-70b-8192", s.Config().ModelID)

	for i := 0; i < 20; i++ {
		m.Update(key(tea.KeyCtrlDown))
	}
	require.Equal(t, domain.MinMaxTokens, s.Config().MaxTokens)
}

func TestKeys_ModelSwitchKeepsHistory(t *testing.T) {
	p := &stubProvider{stream: &stubStream{deltas: []string{"ok"}}}
	m, s := newTestModel(t, p)

	m.input.SetValue("hi")
	_, cmd := m.Update(key(tea.KeyEnter))
	drive(t, m, cmd, func() bool { return !m.streaming })

	before := s.Transcript()
	m.Update(key(tea.KeyTab))
	require.Equal(t, before, s.Transcript())
}

func TestUpdate_Quit(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	_, cmd := m.Update(key(tea.KeyCtrlC))
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestUpdate_WindowSize(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	require.Equal(t, 120, m.viewport.Width)
	require.Equal(t, 40-chromeHeight, m.viewport.Height)
	require.NotNil(t, m.markdown)
}

func TestView_HidesSystemMessage(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	view := m.View()
	require.Contains(t, view, "Get wow with my chat")
	require.Contains(t, view, "Max tokens: 8192 of 8192")
	require.NotContains(t, view, "Aha AI Exam")
}

func TestNew_InputPlaceholder(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	require.Equal(t, "Enter your message...", m.input.Placeholder)
}

func TestRenderContent_UserTurnUsesMarkdown(t *testing.T) {
	m, _ := newTestModel(t, &stubProvider{})
	require.NotNil(t, m.markdown)

	content := "# Plan\n\n- first\n- second"
	rendered, err := m.markdown.Render(content)
	require.NoError(t, err)

	for _, role := range []domain.Role{domain.RoleUser, domain.RoleAssistant} {
		got := m.renderContent(domain.ChatMessage{Role: role, Content: content})
		require.Equal(t, strings.TrimRight(rendered, "\n"), got, "role %s", role)
		require.NotEqual(t, content, got, "role %s", role)
	}
}
