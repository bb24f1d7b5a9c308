package usecase

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/metrics"
)

// TopicTooLongNotice is sent when the upstream rejects a round for exceeding
// its context window.
const TopicTooLongNotice = "This topic has grown too long for the model. The conversation memory was cleared, please start the topic again."

const readBufferSize = 4 << 10

type StreamOpener interface {
	OpenStream(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (io.ReadCloser, error)
}

type RoundOutcome int

const (
	RoundCompleted RoundOutcome = iota
	RoundContextLength
	RoundTransportError
	RoundCancelled
)

func (o RoundOutcome) String() string {
	switch o {
	case RoundCompleted:
		return "completed"
	case RoundContextLength:
		return "context_length"
	case RoundTransportError:
		return "transport_error"
	case RoundCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RoundResult is the accumulated outcome of one round. Reply holds every
// forwarded delta in order and is empty on transport errors.
type RoundResult struct {
	Round   domain.PromptRound
	Reply   string
	Outcome RoundOutcome
	Err     error
}

// RoundStream is one in-flight upstream round.
type RoundStream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc
	result    RoundResult
}

// Fragments yields the live content deltas. It is closed when the round ends.
func (s *RoundStream) Fragments() <-chan string { return s.fragments }

// Cancel aborts the upstream request. Nothing is sent on Fragments after
// Cancel returns.
func (s *RoundStream) Cancel() { s.cancel() }

// Wait blocks until the round has ended and returns its result.
func (s *RoundStream) Wait() RoundResult {
	<-s.done
	return s.result
}

// StreamRelay runs prompt rounds against the streaming upstream.
type StreamRelay struct {
	upstream StreamOpener
	log      zerolog.Logger
}

func NewStreamRelay(upstream StreamOpener, log zerolog.Logger) (*StreamRelay, error) {
	if upstream == nil {
		return nil, errors.New("usecase: stream opener must not be nil")
	}
	return &StreamRelay{upstream: upstream, log: log.With().Str("component", "stream_relay").Logger()}, nil
}

// Start opens the first of rounds and returns its stream together with the
// rounds not yet run.
func (r *StreamRelay) Start(ctx context.Context, rounds []domain.PromptRound, cred domain.Credential, model string) (*RoundStream, []domain.PromptRound, error) {
	if len(rounds) == 0 {
		return nil, nil, errors.New("usecase: no rounds to run")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &RoundStream{
		fragments: make(chan string),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go r.run(ctx, s, rounds[0], cred, model)
	return s, rounds[1:], nil
}

func (r *StreamRelay) run(ctx context.Context, s *RoundStream, round domain.PromptRound, cred domain.Credential, model string) {
	started := time.Now()
	log := r.log.With().Int("round", round.Index).Logger()
	res := RoundResult{Round: round}
	defer func() {
		s.cancel()
		s.result = res
		close(s.fragments)
		close(s.done)
		metrics.RecordRound(res.Outcome.String(), time.Since(started).Seconds())
	}()

	body, err := r.upstream.OpenStream(ctx, cred.Key, model, round.Messages)
	if err != nil {
		res.Outcome, res.Err = r.classifyOpenError(ctx, err)
		if res.Outcome == RoundContextLength {
			send(ctx, s, TopicTooLongNotice)
		} else if res.Outcome == RoundTransportError {
			log.Error().Err(err).Msg("upstream stream request failed")
		}
		return
	}
	defer func() { _ = body.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	var (
		parser openai.DeltaParser
		reply  strings.Builder
		buf    = make([]byte, readBufferSize)
	)
	for {
		n, rerr := body.Read(buf)
		var events []openai.Event
		if n > 0 {
			events = parser.Feed(buf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			events = append(events, parser.Close()...)
		}
		finished := false
		for _, ev := range events {
			if finished {
				break
			}
			switch ev.Kind {
			case openai.EventDelta:
				if !send(ctx, s, ev.Text) {
					res.Outcome = RoundCancelled
					res.Reply = reply.String()
					return
				}
				reply.WriteString(ev.Text)
				metrics.RecordFragment()
			case openai.EventDone:
				finished = true
			case openai.EventContextLength:
				send(ctx, s, TopicTooLongNotice)
				res.Outcome = RoundContextLength
				res.Reply = reply.String()
				return
			case openai.EventUpstreamError:
				log.Error().Str("upstream_message", ev.Text).Msg("upstream reported an error mid-stream")
				res.Outcome = RoundTransportError
				res.Err = errors.New("usecase: upstream error: " + ev.Text)
				return
			case openai.EventMalformed:
				metrics.RecordDroppedFrame()
				log.Warn().Str("frame", truncate(ev.Raw, 256)).Msg("dropping non-conforming stream frame")
			}
		}
		if finished || errors.Is(rerr, io.EOF) {
			res.Outcome = RoundCompleted
			res.Reply = reply.String()
			return
		}
		if rerr != nil {
			if ctx.Err() != nil {
				res.Outcome = RoundCancelled
				res.Reply = reply.String()
				return
			}
			log.Error().Err(rerr).Msg("upstream stream read failed")
			res.Outcome = RoundTransportError
			res.Err = errors.Wrap(rerr, "usecase: read upstream stream")
			return
		}
	}
}

func (r *StreamRelay) classifyOpenError(ctx context.Context, err error) (RoundOutcome, error) {
	if ctx.Err() != nil {
		return RoundCancelled, ctx.Err()
	}
	var statusErr *openai.HTTPStatusError
	if errors.As(err, &statusErr) && openai.IsContextLengthExceeded(statusErr.Body) {
		return RoundContextLength, err
	}
	return RoundTransportError, err
}

// send forwards one fragment unless the round was aborted.
func send(ctx context.Context, s *RoundStream, text string) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.fragments <- text:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
