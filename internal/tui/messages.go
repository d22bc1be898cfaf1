package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"aha-chat/internal/domain"
	"aha-chat/internal/usecase"
)

// deltaMsg carries one streamed piece of the reply.
type deltaMsg struct {
	text string
}

// noticeMsg carries the failure notice of a turn.
type noticeMsg struct {
	err *usecase.Error
}

// turnDoneMsg ends a turn; err is set when no reply was appended.
type turnDoneMsg struct {
	reply domain.ChatMessage
	err   error
}

// channelRenderer forwards session callbacks into the Bubble Tea loop. Sends
// block until the program picks the message up, which keeps deltas, notice
// and completion in order.
type channelRenderer struct {
	ch chan<- tea.Msg
}

func (r channelRenderer) RenderDelta(delta string) {
	r.ch <- deltaMsg{text: delta}
}

func (r channelRenderer) RenderNotice(err *usecase.Error) {
	r.ch <- noticeMsg{err: err}
}

var _ usecase.Renderer = channelRenderer{}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}
