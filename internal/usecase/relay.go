package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
)

// User-facing messages for runs that end without streaming a round.
const (
	MsgLogin           = "Your session has expired. Please log in again."
	MsgAccountExpired  = "Your account has expired. Please renew it to keep chatting."
	MsgUnknownAccount  = "We could not find your account. Please log in again."
	MsgNoQuota         = "You have no remaining quota. Please contact your administrator."
	MsgUnknownScenario = "This topic is not available."
	MsgMemoryCleared   = "Conversation memory cleared."
	MsgEmptyRoster     = "Please name at least one advisor, or send \"/advisors default\"."
	MsgInternal        = "Something went wrong on our side. Please try again."

	msgAdvisorsPrefix = "Your advisors: "
	msgMissingProfile = "Please complete your profile first: %s is missing."
)

type Authenticator interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

type AdvisorStore interface {
	Advisors(ctx context.Context, userID string) ([]string, error)
	SetAdvisors(ctx context.Context, userID, raw string) ([]string, error)
}

type ScenarioCatalog interface {
	Scenario(id string) (domain.Scenario, bool)
}

type ModelSource interface {
	Model(ctx context.Context) (string, error)
}

// Sink receives the frames of one relay run in order.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// RelayInput is one inbound client message.
type RelayInput struct {
	SessionToken      string
	ScenarioID        string
	Detail            string
	RoundCounter      int
	BusinessSessionID string
	EnableLog         bool
	CorrelationID     string
}

type State int

const (
	StateResolving State = iota
	StateRejected
	StateReady
	StateRunningRound
	StateAwaitingNext
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateRejected:
		return "rejected"
	case StateReady:
		return "ready"
	case StateRunningRound:
		return "running_round"
	case StateAwaitingNext:
		return "awaiting_next"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateRejected || s == StateFinished || s == StateCancelled
}

type RelayDeps struct {
	Auth      Authenticator
	Ledger    *Ledger
	Advisors  AdvisorStore
	Scenarios ScenarioCatalog
	Models    ModelSource
	Memory    *Memory
	Streams   *StreamRelay
	Logs      *LogWriter
	Queue     *WriteQueue
}

// ChatRelay drives one inbound message through credential resolution, command
// handling and the scenario's prompt rounds.
type ChatRelay struct {
	deps RelayDeps
	log  zerolog.Logger
}

func NewChatRelay(deps RelayDeps, log zerolog.Logger) (*ChatRelay, error) {
	switch {
	case deps.Auth == nil:
		return nil, errors.New("usecase: authenticator must not be nil")
	case deps.Ledger == nil:
		return nil, errors.New("usecase: ledger must not be nil")
	case deps.Advisors == nil:
		return nil, errors.New("usecase: advisor store must not be nil")
	case deps.Scenarios == nil:
		return nil, errors.New("usecase: scenario catalog must not be nil")
	case deps.Models == nil:
		return nil, errors.New("usecase: model source must not be nil")
	case deps.Memory == nil:
		return nil, errors.New("usecase: memory must not be nil")
	case deps.Streams == nil:
		return nil, errors.New("usecase: stream relay must not be nil")
	case deps.Logs == nil:
		return nil, errors.New("usecase: log writer must not be nil")
	case deps.Queue == nil:
		return nil, errors.New("usecase: write queue must not be nil")
	}
	return &ChatRelay{deps: deps, log: log.With().Str("component", "chat_relay").Logger()}, nil
}

// Run processes in until a terminal state and returns that state. A returned
// *Error describes why a run was rejected; the user has already been told.
// Cancelling ctx aborts the in-flight round and skips the rest.
func (c *ChatRelay) Run(ctx context.Context, in RelayInput, sink Sink) (State, error) {
	if sink == nil {
		return StateRejected, newError(ErrorInternal, "nil_sink", nil)
	}
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = newUUID()
	}
	log := c.log.With().
		Str("correlation_id", correlationID).
		Str("scenario_id", in.ScenarioID).
		Logger()
	r := &relayRun{
		ChatRelay: c,
		in:        in,
		sink:      sink,
		log:       log,
		state:     StateResolving,
	}
	var err error
	for !r.state.Terminal() {
		from := r.state
		switch r.state {
		case StateResolving:
			r.state, err = r.resolve(ctx)
		case StateReady:
			r.state, err = r.prepare(ctx)
		case StateRunningRound:
			r.state = r.runRound(ctx)
		case StateAwaitingNext:
			r.state = r.next(ctx)
		}
		r.log.Debug().Stringer("from", from).Stringer("to", r.state).Msg("relay transition")
	}
	return r.state, err
}

// relayRun is the state of one message's run.
type relayRun struct {
	*ChatRelay
	in    RelayInput
	sink  Sink
	log   zerolog.Logger
	state State

	res      Resolution
	session  domain.Session
	scenario domain.Scenario
	model    string
	rounds   []domain.PromptRound
	ran      int
	logKey   domain.LogKey
}

func (r *relayRun) resolve(ctx context.Context) (State, error) {
	identity, err := r.deps.Auth.Verify(ctx, r.in.SessionToken)
	if errors.Is(err, domain.ErrInvalidToken) {
		return r.reject(ctx, MsgLogin, newError(ErrorUnauthenticated, "invalid_token", err))
	}
	if err != nil {
		return r.fail(ctx, "auth_error", err)
	}

	res, err := r.deps.Ledger.Resolve(ctx, identity.ID)
	if err != nil {
		return r.fail(ctx, "ledger_error", err)
	}
	r.res = res
	if res.Notice != "" {
		if err := r.sink.Send(ctx, res.Notice); err != nil {
			return StateCancelled, nil
		}
	}
	if res.Outcome == OutcomeRejected {
		return r.reject(ctx, rejectionMessage(res.Reason), newError(ErrorQuota, res.Reason, nil))
	}

	r.session = domain.Session{
		ID:                domain.SessionIDFor(identity.ID, r.in.BusinessSessionID),
		UserID:            identity.ID,
		Tenant:            res.Account.Tenant,
		BusinessSessionID: r.in.BusinessSessionID,
	}
	r.log = r.log.With().Str("session_id", r.session.ID).Str("user_id", identity.ID).Logger()
	return StateReady, nil
}

func (r *relayRun) prepare(ctx context.Context) (State, error) {
	sid := r.session.ID
	switch cmd := ParseCommand(r.in.Detail); cmd.Kind {
	case CommandReset:
		if err := r.deps.Queue.Flush(ctx, sid); err != nil {
			return StateCancelled, nil
		}
		if err := r.deps.Memory.Reset(ctx, sid); err != nil {
			return r.fail(ctx, "reset_error", err)
		}
		return r.finishWith(ctx, MsgMemoryCleared), nil
	case CommandShowAdvisors:
		names, err := r.deps.Advisors.Advisors(ctx, r.session.UserID)
		if err != nil {
			return r.fail(ctx, "advisors_error", err)
		}
		return r.finishWith(ctx, msgAdvisorsPrefix+strings.Join(names, ", ")), nil
	case CommandSetAdvisors:
		names, err := r.deps.Advisors.SetAdvisors(ctx, r.session.UserID, cmd.Arg)
		if errors.Is(err, domain.ErrEmptyRoster) {
			return r.finishWith(ctx, MsgEmptyRoster), newError(ErrorInvalidInput, "empty_roster", err)
		}
		if err != nil {
			return r.fail(ctx, "advisors_error", err)
		}
		return r.finishWith(ctx, msgAdvisorsPrefix+strings.Join(names, ", ")), nil
	}

	sc, ok := r.deps.Scenarios.Scenario(r.in.ScenarioID)
	if !ok {
		return r.reject(ctx, MsgUnknownScenario, newError(ErrorInvalidInput, "unknown_scenario", nil))
	}
	if missing := missingContext(sc, r.res.Account); missing != "" {
		return r.reject(ctx, fmt.Sprintf(msgMissingProfile, missing), newError(ErrorInvalidInput, "missing_"+missing, nil))
	}
	r.scenario = sc

	model, err := r.deps.Models.Model(ctx)
	if err != nil {
		return r.fail(ctx, "model_error", err)
	}
	r.model = model

	if err := r.deps.Queue.Flush(ctx, sid); err != nil {
		return StateCancelled, nil
	}
	if r.in.RoundCounter == 0 {
		if err := r.deps.Memory.Reset(ctx, sid); err != nil {
			r.log.Warn().Err(err).Msg("clearing memory for a new topic failed")
		}
	}
	snap, err := r.deps.Memory.Load(ctx, sid, r.res.Credential, model)
	if err != nil {
		r.log.Warn().Err(err).Msg("loading memory failed, building rounds without it")
		snap = Snapshot{}
	}

	var advisors []string
	if sc.RequiresContext(domain.RequireAdvisors) {
		if advisors, err = r.deps.Advisors.Advisors(ctx, r.session.UserID); err != nil {
			return r.fail(ctx, "advisors_error", err)
		}
	}

	r.rounds = BuildRounds(sc, PromptContext{
		Account:  r.res.Account,
		Advisors: advisors,
		Summary:  snap.Summary,
		History:  snap.History,
		Detail:   r.in.Detail,
	}, "")
	if len(r.rounds) == 0 {
		return r.finish(ctx), nil
	}

	if r.in.EnableLog {
		biz := r.in.BusinessSessionID
		if biz == "" {
			biz = newUUID()
		}
		r.logKey = domain.LogKey{Tenant: r.session.Tenant, UserID: r.session.UserID, BusinessSessionID: biz}
	}
	r.log.Info().Int("rounds", len(r.rounds)).Stringer("credential", r.res.Outcome).Msg("rounds built")
	return StateRunningRound, nil
}

func (r *relayRun) runRound(ctx context.Context) State {
	if ctx.Err() != nil {
		return StateCancelled
	}
	sid := r.session.ID
	if r.ran > 0 {
		if err := r.deps.Queue.Flush(ctx, sid); err != nil {
			return StateCancelled
		}
		snap, err := r.deps.Memory.Load(ctx, sid, r.res.Credential, r.model)
		if err != nil {
			r.log.Warn().Err(err).Msg("refreshing memory failed, keeping previous memory")
		} else {
			r.rounds[0] = r.rounds[0].WithMemory(snap.Text())
		}
	}

	stream, remaining, err := r.deps.Streams.Start(ctx, r.rounds, r.res.Credential, r.model)
	if err != nil {
		r.log.Error().Err(err).Msg("starting round failed")
		return r.finish(ctx)
	}
	sinkClosed := false
	for frag := range stream.Fragments() {
		if sinkClosed {
			continue
		}
		if err := r.sink.Send(ctx, frag); err != nil {
			sinkClosed = true
			stream.Cancel()
		}
	}
	res := stream.Wait()
	r.rounds = remaining
	r.ran++

	log := r.log.With().Int("round", res.Round.Index).Stringer("outcome", res.Outcome).Logger()
	if sinkClosed || ctx.Err() != nil || res.Outcome == RoundCancelled {
		log.Info().Int("skipped", len(remaining)).Msg("round cancelled")
		return StateCancelled
	}

	switch res.Outcome {
	case RoundContextLength:
		r.deps.Queue.Submit(ctx, sid, func(ctx context.Context) error {
			return r.deps.Memory.Reset(ctx, sid)
		})
		log.Warn().Int("skipped", len(remaining)).Msg("context length exceeded, memory reset")
		r.rounds = nil
	case RoundTransportError:
		log.Error().Err(res.Err).Msg("round ended with an upstream error")
	case RoundCompleted:
		if res.Reply != "" {
			r.deps.Queue.Submit(ctx, sid, r.persist(domain.QAPair{Question: res.Round.Question, Answer: res.Reply}))
		}
		log.Info().Int("reply_chars", runeLen(res.Reply)).Msg("round completed")
	}
	return StateAwaitingNext
}

// persist appends a completed exchange to the session history and, when
// logging is enabled, to the durable conversation log.
func (r *relayRun) persist(pair domain.QAPair) Job {
	sid := r.session.ID
	cred := r.res.Credential
	model := r.model
	key := r.logKey
	scenarioID := r.scenario.ID
	return func(ctx context.Context) error {
		if err := r.deps.Memory.Record(ctx, sid, pair); err != nil {
			return err
		}
		fields := domain.LogFields{ScenarioID: scenarioID}
		snap, err := r.deps.Memory.Load(ctx, sid, cred, model)
		if err != nil {
			r.log.Warn().Err(err).Msg("reading memory after round failed, keeping logged summary")
			fields.KeepSummary = true
		}
		fields.Summary = snap.Summary
		if key.UserID == "" {
			return nil
		}
		return r.deps.Logs.Append(ctx, key, fields, pair)
	}
}

func (r *relayRun) next(ctx context.Context) State {
	if len(r.rounds) == 0 {
		return r.finish(ctx)
	}
	if ctx.Err() != nil {
		return StateCancelled
	}
	if err := r.sink.Send(ctx, domain.SentinelNewSection); err != nil {
		return StateCancelled
	}
	return StateRunningRound
}

func (r *relayRun) finish(ctx context.Context) State {
	if err := r.sink.Send(ctx, domain.SentinelDone); err != nil {
		return StateCancelled
	}
	return StateFinished
}

func (r *relayRun) finishWith(ctx context.Context, msg string) State {
	if err := r.sink.Send(ctx, msg); err != nil {
		return StateCancelled
	}
	return r.finish(ctx)
}

func (r *relayRun) reject(ctx context.Context, msg string, cause *Error) (State, error) {
	if err := r.sink.Send(ctx, msg); err != nil {
		return StateCancelled, cause
	}
	if err := r.sink.Send(ctx, domain.SentinelDone); err != nil {
		return StateCancelled, cause
	}
	r.log.Info().Str("code", string(cause.Code)).Str("reason", cause.Reason).Msg("relay rejected")
	return StateRejected, cause
}

func (r *relayRun) fail(ctx context.Context, reason string, err error) (State, error) {
	r.log.Error().Err(err).Str("reason", reason).Msg("relay failed")
	return r.reject(ctx, MsgInternal, newError(ErrorInternal, reason, err))
}

func rejectionMessage(reason string) string {
	switch reason {
	case "account_expired":
		return MsgAccountExpired
	case "unknown_account":
		return MsgUnknownAccount
	default:
		return MsgNoQuota
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
