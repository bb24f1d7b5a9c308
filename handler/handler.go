package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chat-relay/internal/domain"
	"chat-relay/internal/metrics"
	"chat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxMessageBytes   = 64 << 10
	inboxSize         = 16

	msgSlowDown = "You are sending messages too fast. Please wait a moment."
)

// Relay runs one inbound chat message to completion.
type Relay interface {
	Run(ctx context.Context, in usecase.RelayInput, sink usecase.Sink) (usecase.State, error)
}

type chatRequest struct {
	SessionToken      string `json:"sessionToken"`
	ScenarioID        string `json:"scenarioId"`
	Detail            string `json:"detail"`
	RoundCounter      int    `json:"roundCounter"`
	BusinessSessionID string `json:"businessSessionId"`
	EnableLog         bool   `json:"enableLog"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler upgrades /chat requests to WebSocket connections and feeds each
// inbound message through the relay, one message at a time per connection.
type Handler struct {
	relay        Relay
	upgrader     websocket.Upgrader
	perSecond    rate.Limit
	burst        int
	writeTimeout time.Duration
	log          zerolog.Logger
}

type Option func(*Handler)

// WithRateLimit bounds inbound messages per connection.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) {
		h.perSecond = rate.Limit(perSecond)
		h.burst = burst
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

func WithCheckOrigin(check func(*http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = check
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.writeTimeout = d
	}
}

func NewHandler(relay Relay, opts ...Option) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	h := &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		perSecond:    rate.Limit(1),
		burst:        3,
		writeTimeout: 10 * time.Second,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "ws_handler").Logger()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if connID == "" {
		connID = newUUID()
	}
	conn, err := h.upgrader.Upgrade(w, r, http.Header{correlationHeader: []string{connID}})
	if err != nil {
		h.log.Debug().Err(err).Str("conn_id", connID).Msg("websocket upgrade failed")
		return
	}
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	log := h.log.With().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("ws connected")
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop never blocks on the message loop, so a close frame or
	// read error cancels the in-flight run even while messages are queued.
	inbox := make(chan inbound, inboxSize)
	var overflow atomic.Int64
	limiter := rate.NewLimiter(h.perSecond, h.burst)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(inbox)
		defer cancel()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			limited := !limiter.Allow()
			select {
			case inbox <- inbound{data: data, limited: limited}:
			default:
				overflow.Add(1)
				log.Warn().Int("queued", inboxSize).Msg("inbox full, dropping message")
			}
		}
	}()

	sink := &wsSink{conn: conn, writeTimeout: h.writeTimeout}
	for msg := range inbox {
		if ctx.Err() != nil {
			break
		}
		h.handleMessage(ctx, log, sink, msg)
		for n := overflow.Swap(0); n > 0; n-- {
			sink.slowDown(ctx)
		}
	}

	cancel()
	_ = conn.Close()
	wg.Wait()
	log.Info().Msg("ws disconnected")
}

// inbound is one text frame read from the client. limited marks frames that
// arrived over the connection's rate limit.
type inbound struct {
	data    []byte
	limited bool
}

func (h *Handler) handleMessage(ctx context.Context, log zerolog.Logger, sink *wsSink, msg inbound) {
	if msg.limited {
		sink.slowDown(ctx)
		return
	}

	var req chatRequest
	if err := json.Unmarshal(msg.data, &req); err != nil {
		log.Debug().Err(err).Msg("invalid chat request")
		_ = sink.sendJSON(ctx, errorResponse{Error: string(usecase.ErrorInvalidInput)})
		_ = sink.Send(ctx, domain.SentinelDone)
		return
	}

	correlationID := newUUID()
	started := time.Now()
	state, err := h.relay.Run(ctx, usecase.RelayInput{
		SessionToken:      req.SessionToken,
		ScenarioID:        strings.TrimSpace(req.ScenarioID),
		Detail:            req.Detail,
		RoundCounter:      req.RoundCounter,
		BusinessSessionID: strings.TrimSpace(req.BusinessSessionID),
		EnableLog:         req.EnableLog,
		CorrelationID:     correlationID,
	}, sink)

	level := zerolog.InfoLevel
	var ue *usecase.Error
	if errors.As(err, &ue) && ue.Code == usecase.ErrorInternal {
		level = zerolog.ErrorLevel
	}
	ev := log.WithLevel(level).Err(err)
	if ue != nil {
		ev = ev.Str("code", string(ue.Code)).Str("reason", ue.Reason)
	}
	ev.Str("correlation_id", correlationID).
		Stringer("state", state).
		Dur("elapsed", time.Since(started)).
		Msg("chat message handled")
}

// wsSink writes relay frames as WebSocket text messages. Only the
// connection's message loop writes to it.
type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *wsSink) slowDown(ctx context.Context) {
	_ = s.Send(ctx, msgSlowDown)
	_ = s.Send(ctx, domain.SentinelDone)
}

func (s *wsSink) sendJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(ctx, string(b))
}

var newUUID = func() string {
	return uuid.NewString()
}
