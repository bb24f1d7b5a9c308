package openai

import (
	"bytes"
	"encoding/json"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// EventKind classifies one complete unit of a streamed response.
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
	EventContextLength
	EventUpstreamError
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventContextLength:
		return "context_length"
	case EventUpstreamError:
		return "upstream_error"
	case EventMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Event is a parsed stream unit. Text is the content delta for EventDelta and
// the upstream message for EventUpstreamError; Raw keeps the source line.
type Event struct {
	Kind EventKind
	Text string
	Raw  string
}

const (
	contextLengthCode = "context_length_exceeded"
	maxStrayBytes     = 64 << 10
)

// DeltaParser turns arbitrary network reads of a server-sent event stream into
// events. Partial lines are buffered until their terminating newline arrives,
// so a frame split across reads is still recognized.
type DeltaParser struct {
	partial []byte
	stray   []string
}

// Feed consumes the next chunk and returns every event it completes.
func (p *DeltaParser) Feed(chunk []byte) []Event {
	p.partial = append(p.partial, chunk...)
	var events []Event
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(p.partial[:i], "\r"))
		p.partial = p.partial[i+1:]
		events = append(events, p.parseLine(line)...)
	}
	if len(p.partial) == 0 {
		p.partial = nil
	}
	return events
}

// Close flushes a trailing unterminated line and any buffered non-SSE text.
func (p *DeltaParser) Close() []Event {
	var events []Event
	if len(p.partial) > 0 {
		line := string(bytes.TrimRight(p.partial, "\r"))
		p.partial = nil
		events = append(events, p.parseLine(line)...)
	}
	if len(p.stray) > 0 {
		raw := strings.Join(p.stray, "\n")
		p.stray = nil
		events = append(events, Event{Kind: EventMalformed, Raw: raw})
	}
	return events
}

func (p *DeltaParser) parseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return nil
	case strings.HasPrefix(trimmed, ":"):
		return nil
	case strings.HasPrefix(trimmed, "data:"):
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		if payload == "[DONE]" {
			return []Event{{Kind: EventDone, Raw: line}}
		}
		if ev, ok := parsePayload(payload, line); ok {
			return []Event{ev}
		}
		return nil
	case strings.HasPrefix(trimmed, "event:"), strings.HasPrefix(trimmed, "id:"), strings.HasPrefix(trimmed, "retry:"):
		return nil
	}
	return p.collectStray(line)
}

// collectStray buffers lines outside the SSE framing. Upstreams answer some
// failures with a plain (possibly pretty-printed) JSON error body instead of
// an event stream.
func (p *DeltaParser) collectStray(line string) []Event {
	p.stray = append(p.stray, line)
	raw := strings.Join(p.stray, "\n")
	if json.Valid([]byte(raw)) {
		p.stray = nil
		if ev, ok := parsePayload(raw, raw); ok {
			return []Event{ev}
		}
		return nil
	}
	if len(raw) > maxStrayBytes {
		p.stray = nil
		return []Event{{Kind: EventMalformed, Raw: raw}}
	}
	return nil
}

type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

// parsePayload classifies one JSON payload. Frames without content, such as
// the leading role frame or the trailing finish frame, yield no event.
func parsePayload(payload, raw string) (Event, bool) {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{Kind: EventMalformed, Raw: raw}, true
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		if IsContextLengthExceeded(payload) {
			return Event{Kind: EventContextLength, Raw: raw}, true
		}
		var apiErr goopenai.APIError
		msg := string(env.Error)
		if err := json.Unmarshal(env.Error, &apiErr); err == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return Event{Kind: EventUpstreamError, Text: msg, Raw: raw}, true
	}

	var frame goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return Event{Kind: EventMalformed, Raw: raw}, true
	}
	if frame.ID == "" && len(frame.Choices) == 0 {
		return Event{Kind: EventMalformed, Raw: raw}, true
	}
	var text strings.Builder
	for _, choice := range frame.Choices {
		text.WriteString(choice.Delta.Content)
	}
	if text.Len() == 0 {
		return Event{}, false
	}
	return Event{Kind: EventDelta, Text: text.String(), Raw: raw}, true
}

// IsContextLengthExceeded reports whether an upstream error payload signals
// that the prompt no longer fits the model context.
func IsContextLengthExceeded(body string) bool {
	if strings.Contains(body, contextLengthCode) {
		return true
	}
	return strings.Contains(strings.ToLower(body), "maximum context length")
}
