package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// maxSSELineBytes bounds a single SSE line; a content delta never
// legitimately approaches this.
const maxSSELineBytes = 1024 * 1024

// sseStream decodes the provider's server-sent event stream into
// meter.StreamEvents. Token usage is split across the stream: input tokens
// arrive in message_start, output tokens in message_delta, and the final
// message_stop event flushes the accumulated counts.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   meter.TokenCounts
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (meter.StreamEvent, error) {
	if s.done {
		return meter.StreamEvent{}, io.EOF
	}
	for {
		data, err := s.nextData()
		if err != nil {
			return meter.StreamEvent{}, err
		}

		var frame struct {
			Type    string `json:"type"`
			Message struct {
				Usage Usage `json:"usage"`
			} `json:"message"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Tolerate frames we cannot parse; the stream may carry
			// event kinds newer than this client.
			continue
		}

		switch frame.Type {
		case "message_start":
			s.usage.Input = frame.Message.Usage.InputTokens
		case "content_block_delta":
			if frame.Delta.Text != "" {
				return meter.StreamEvent{Text: frame.Delta.Text}, nil
			}
		case "message_delta":
			if frame.Usage.OutputTokens > 0 {
				s.usage.Output = frame.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			usage := s.usage
			return meter.StreamEvent{Final: true, Usage: &usage}, nil
		}
	}
}

// nextData returns the payload of the next data: line, skipping event names,
// comments, and keep-alive blank lines.
func (s *sseStream) nextData() (string, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	// The provider closed the connection without a terminal event.
	return "", io.ErrUnexpectedEOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
