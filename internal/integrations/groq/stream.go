package groq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// chatStreamChunk is the minimal shape of one streamed completion chunk.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamError is an error the provider reported inside an open stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "groq: stream error: " + e.Message
	}
	return fmt.Sprintf("groq: stream error (%s): %s", e.Type, e.Message)
}

// maxEventLine bounds one line of the event stream.
const maxEventLine = 1 << 20

// stream reads text deltas out of an SSE response body.
type stream struct {
	body  io.ReadCloser
	lines *bufio.Scanner
	done  bool
}

func newStream(body io.ReadCloser) *stream {
	lines := bufio.NewScanner(body)
	lines.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	return &stream{body: body, lines: lines}
}

// Recv returns the text of the next chunk, which may be empty, or io.EOF
// after the [DONE] marker or a clean end of body.
func (s *stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	data, ok, err := s.nextData()
	if err != nil {
		return "", fmt.Errorf("groq: read stream: %w", err)
	}
	if !ok || data == "[DONE]" {
		s.done = true
		return "", io.EOF
	}

	var chunk chatStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", fmt.Errorf("groq: decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", &StreamError{Type: chunk.Error.Type, Message: chunk.Error.Message}
	}
	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String(), nil
}

// nextData returns the data of the next event, its data lines joined by
// "\n". Comments and the event, id and retry fields are skipped. ok is false
// once the body ends without another event.
func (s *stream) nextData() (data string, ok bool, err error) {
	var lines []string
	for s.lines.Scan() {
		line := s.lines.Text()
		if line == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		if field, value, _ := strings.Cut(line, ":"); field == "data" {
			lines = append(lines, strings.TrimPrefix(value, " "))
		}
	}
	if len(lines) == 0 {
		return "", false, s.lines.Err()
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), true, nil
}

func (s *stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
