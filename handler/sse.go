package handler

import (
	"encoding/json"
	"fmt"
	"io"

	"aha-chat/internal/usecase"
)

type deltaEvent struct {
	Text string `json:"text"`
}

type noticeEvent struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// doneEvent closes a turn. User is the rendered user message, absent when
// the turn was refused; Message is the reply, absent on failure.
type doneEvent struct {
	OK      bool         `json:"ok"`
	User    *messageView `json:"user,omitempty"`
	Message *messageView `json:"message,omitempty"`
}

// eventWriter renders a chat turn as server-sent events. The first write
// error sticks and later events are dropped.
type eventWriter struct {
	w   io.Writer
	err error
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{w: w}
}

func (e *eventWriter) RenderDelta(delta string) {
	e.write("delta", deltaEvent{Text: delta})
}

func (e *eventWriter) RenderNotice(err *usecase.Error) {
	e.write("notice", noticeEvent{
		Code:    string(err.Code),
		Reason:  err.Reason,
		Message: "🚨 " + err.Notice(),
	})
}

func (e *eventWriter) done(user, reply *messageView) {
	e.write("done", doneEvent{OK: reply != nil, User: user, Message: reply})
}

func (e *eventWriter) write(name string, payload any) {
	if e.err != nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.err = fmt.Errorf("handler: marshal %s event: %w", name, err)
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		e.err = err
	}
}

var _ usecase.Renderer = (*eventWriter)(nil)
