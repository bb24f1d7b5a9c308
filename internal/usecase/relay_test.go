package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
)

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %v", err)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func TestNewChatRelay_ValidatesDependencies(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	deps := env.relay.deps
	deps.Queue = nil
	_, err := NewChatRelay(deps, zerolog.Nop())
	require.Error(t, err)

	deps = env.relay.deps
	deps.Auth = nil
	_, err = NewChatRelay(deps, zerolog.Nop())
	require.Error(t, err)
}

func TestRun_TwoRoundsAppendTwoPairsToOneLogRecord(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())

	state, frames, err := env.run(t, RelayInput{
		ScenarioID:        "swot",
		Detail:            "X",
		RoundCounter:      0,
		BusinessSessionID: "biz-1",
		EnableLog:         true,
	})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{"reply-0", domain.SentinelNewSection, "reply-1", domain.SentinelDone}, frames)

	recs := env.logs.snapshot()
	require.Len(t, recs, 1)
	require.Equal(t, domain.LogKey{Tenant: "acme", UserID: "u1", BusinessSessionID: "biz-1"}, recs[0].LogKey)
	require.Equal(t, "swot", recs[0].ScenarioID)
	require.Equal(t, []domain.QAPair{
		{Question: "Run a SWOT analysis of X.", Answer: "reply-0"},
		{Question: "Now list three next steps.", Answer: "reply-1"},
	}, recs[0].Pairs)

	require.Equal(t, 2, env.upstream.callCount())
	first, second := env.upstream.call(0), env.upstream.call(1)
	require.Equal(t, "sk-durable", first.apiKey)
	require.Equal(t, testModel, first.model)
	require.Contains(t, contents(first.messages), restatement("X"))
	require.NotContains(t, contents(second.messages), restatement("X"))

	// Round 1 is built after round 0's history write has landed.
	require.Equal(t, domain.RoleAssistant, second.messages[1].Role)
	require.Contains(t, second.messages[1].Content, "assistant: reply-0")

	history, err := env.store.History(context.Background(), "u1:biz-1")
	require.NoError(t, err)
	require.Equal(t, []string{
		"user: Run a SWOT analysis of X.", "assistant: reply-0",
		"user: Now list three next steps.", "assistant: reply-1",
	}, history)
}

func TestRun_DurableKeyServedWithoutPooledToken(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	env.params.tokenErr = errors.New("ParameterNotFound")

	state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X"})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{"reply-0", domain.SentinelNewSection, "reply-1", domain.SentinelDone}, frames)
	require.Equal(t, 2, env.upstream.callCount())
	require.Equal(t, "sk-durable", env.upstream.call(1).apiKey)
}

func TestRun_CancelDuringRoundSkipsRemainingRounds(t *testing.T) {
	sc := twoStepScenario()
	sc.Messages = append(sc.Messages, "Finally, summarize.")
	env := newRelayEnv(t, sc)
	env.upstream.respond = func(n int) (io.ReadCloser, error) {
		if n == 1 {
			pr, pw := io.Pipe()
			go func() { _, _ = pw.Write([]byte(deltaFrame("B1"))) }()
			return pr, nil
		}
		return sseBody(fmt.Sprintf("A%d", n)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onSend: func(text string) {
		if text == "B1" {
			cancel()
		}
	}}
	state, err := env.runWith(ctx, RelayInput{ScenarioID: "swot", Detail: "X"}, sink)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, state)

	require.Equal(t, []string{"A0", domain.SentinelNewSection, "B1"}, sink.all())
	require.Equal(t, 2, env.upstream.callCount())

	history, err := env.store.History(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"user: Run a SWOT analysis of X.", "assistant: A0"}, history)
}

func TestRun_GrantDirectiveNoticeBeforeRoundZero(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	acct := testAccount()
	acct.KeyField = GrantDirectivePrefix + "120"
	env.users.accounts[acct.ID] = acct

	state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X"})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)

	require.Contains(t, frames[0], "temporary grant of 120s")
	require.Equal(t, "reply-0", frames[1])
	notices := 0
	for _, f := range frames {
		if strings.Contains(f, "temporary grant") {
			notices++
		}
	}
	require.Equal(t, 1, notices)

	require.Equal(t, "sk-pooled", env.upstream.call(0).apiKey)
	require.Equal(t, "sk-pooled", env.upstream.call(1).apiKey)
	require.Equal(t, "", env.users.keyField(acct.ID))
	require.Equal(t, 120*time.Second, env.mr.TTL("test:grant:u1"))
}

func TestRun_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		mutate  func(*domain.Account)
		message string
		code    ErrorCode
		reason  string
	}{
		{
			name:    "invalid token",
			token:   "bogus",
			mutate:  func(*domain.Account) {},
			message: MsgLogin,
			code:    ErrorUnauthenticated,
			reason:  "invalid_token",
		},
		{
			name:    "no quota",
			mutate:  func(a *domain.Account) { a.KeyField = "" },
			message: MsgNoQuota,
			code:    ErrorQuota,
			reason:  "no_quota",
		},
		{
			name:    "expired account",
			mutate:  func(a *domain.Account) { a.Expire = time.Now().Add(-time.Hour) },
			message: MsgAccountExpired,
			code:    ErrorQuota,
			reason:  "account_expired",
		},
		{
			name:    "missing profile",
			mutate:  func(a *domain.Account) { a.Organization = "" },
			message: "Please complete your profile first: organization is missing.",
			code:    ErrorInvalidInput,
			reason:  "missing_organization",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc := twoStepScenario()
			sc.Requires = []string{domain.RequireOrganization}
			env := newRelayEnv(t, sc)
			acct := testAccount()
			tc.mutate(&acct)
			env.users.accounts[acct.ID] = acct

			state, frames, err := env.run(t, RelayInput{SessionToken: tc.token, ScenarioID: "swot", Detail: "X"})
			require.Equal(t, StateRejected, state)
			require.Equal(t, []string{tc.message, domain.SentinelDone}, frames)
			requireCode(t, err, tc.code, tc.reason)
			require.Equal(t, 0, env.upstream.callCount())
		})
	}
}

func TestRun_UnknownScenario(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	state, frames, err := env.run(t, RelayInput{ScenarioID: "nope", Detail: "X"})
	require.Equal(t, StateRejected, state)
	require.Equal(t, []string{MsgUnknownScenario, domain.SentinelDone}, frames)
	requireCode(t, err, ErrorInvalidInput, "unknown_scenario")
}

func TestRun_ResetCommandIsIdempotent(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	ctx := context.Background()
	require.NoError(t, env.store.AppendHistory(ctx, "u1", "user: q", "assistant: a"))
	require.NoError(t, env.store.SetSummary(ctx, "u1", "summary"))

	for range 2 {
		state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "/reset", RoundCounter: 3})
		require.NoError(t, err)
		require.Equal(t, StateFinished, state)
		require.Equal(t, []string{MsgMemoryCleared, domain.SentinelDone}, frames)
		require.False(t, env.mr.Exists("test:history:u1"))
		require.False(t, env.mr.Exists("test:summary:u1"))
	}
	require.Equal(t, 0, env.upstream.callCount())
}

func TestRun_AdvisorCommands(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())

	_, frames, err := env.run(t, RelayInput{Detail: "/advisors"})
	require.NoError(t, err)
	require.Equal(t, "Your advisors: Peter Drucker, Warren Buffett, Steve Jobs, Charlie Munger, Jack Welch, Elon Musk", frames[0])

	_, frames, err = env.run(t, RelayInput{Detail: "/advisors Ada|Grace，Linus"})
	require.NoError(t, err)
	require.Equal(t, []string{"Your advisors: Ada, Grace, Linus", domain.SentinelDone}, frames)

	state, frames, err := env.run(t, RelayInput{Detail: "/advisors , |"})
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{MsgEmptyRoster, domain.SentinelDone}, frames)
	requireCode(t, err, ErrorInvalidInput, "empty_roster")

	_, frames, err = env.run(t, RelayInput{Detail: "/advisors default"})
	require.NoError(t, err)
	require.Contains(t, frames[0], "Peter Drucker")
	require.Equal(t, 0, env.upstream.callCount())
}

func TestRun_AdvisorsFlowIntoPromptWhenRequired(t *testing.T) {
	sc := twoStepScenario()
	sc.Requires = []string{domain.RequireAdvisors}
	env := newRelayEnv(t, sc)
	_, err := env.store.SetAdvisors(context.Background(), "u1", "Ada Grace")
	require.NoError(t, err)

	state, _, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X"})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Contains(t, contents(env.upstream.call(0).messages), "Advisors: Ada, Grace")
}

func TestRun_FirstMessageOfTopicStartsFresh(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	ctx := context.Background()
	require.NoError(t, env.store.AppendHistory(ctx, "u1:b", "user: old question", "assistant: old answer"))

	_, _, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", RoundCounter: 2, BusinessSessionID: "b"})
	require.NoError(t, err)
	require.Contains(t, env.upstream.call(0).messages[1].Content, "old question")

	_, _, err = env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", RoundCounter: 0, BusinessSessionID: "b"})
	require.NoError(t, err)
	fresh := env.upstream.call(2)
	require.NotContains(t, contents(fresh.messages), "old question")
	require.Equal(t, domain.RoleUser, fresh.messages[1].Role)
}

func TestRun_TransportErrorSkipsPersistenceAndContinues(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	env.upstream.respond = func(n int) (io.ReadCloser, error) {
		if n == 0 {
			return nil, &openai.HTTPStatusError{StatusCode: 502, Body: "bad gateway"}
		}
		return sseBody("second"), nil
	}

	state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", BusinessSessionID: "b", EnableLog: true})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{domain.SentinelNewSection, "second", domain.SentinelDone}, frames)

	recs := env.logs.snapshot()
	require.Len(t, recs, 1)
	require.Equal(t, []domain.QAPair{{Question: "Now list three next steps.", Answer: "second"}}, recs[0].Pairs)
}

func TestRun_ContextLengthResetsMemoryAndFinishes(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	ctx := context.Background()
	require.NoError(t, env.store.AppendHistory(ctx, "u1", "user: q", "assistant: a"))
	require.NoError(t, env.store.SetSummary(ctx, "u1", "long summary"))
	env.upstream.respond = func(int) (io.ReadCloser, error) {
		return nil, &openai.HTTPStatusError{StatusCode: 400, Body: `{"error":{"code":"context_length_exceeded"}}`}
	}

	state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", RoundCounter: 1})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{TopicTooLongNotice, domain.SentinelDone}, frames)
	require.Equal(t, 1, env.upstream.callCount())
	require.False(t, env.mr.Exists("test:history:u1"))
	require.False(t, env.mr.Exists("test:summary:u1"))
}

func TestRun_PersistenceFailureIsNotSurfaced(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	env.logs.err = errors.New("dynamodb throttled")

	state, frames, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", BusinessSessionID: "b", EnableLog: true})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.Equal(t, []string{"reply-0", domain.SentinelNewSection, "reply-1", domain.SentinelDone}, frames)
	require.Equal(t, 2, env.logs.calls)
}

func TestRun_UnreadableMemoryKeepsLoggedSummary(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	key := domain.LogKey{Tenant: "acme", UserID: "u1", BusinessSessionID: "b"}
	env.logs.records[key] = &domain.ConversationLog{LogKey: key, Summary: "earlier summary"}
	_, err := env.mr.Lpush("test:summary:u1:b", "not a string")
	require.NoError(t, err)

	state, _, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", RoundCounter: 1, BusinessSessionID: "b", EnableLog: true})
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)

	recs := env.logs.snapshot()
	require.Len(t, recs, 1)
	require.Equal(t, "earlier summary", recs[0].Summary)
	require.Len(t, recs[0].Pairs, 2)
}

func TestRun_LogWithoutBusinessSessionUsesGeneratedID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "generated" }
	t.Cleanup(func() { newUUID = orig })

	env := newRelayEnv(t, twoStepScenario())
	_, _, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", EnableLog: true})
	require.NoError(t, err)

	recs := env.logs.snapshot()
	require.Len(t, recs, 1)
	require.Equal(t, "generated", recs[0].BusinessSessionID)
	require.Len(t, recs[0].Pairs, 2)
}

func TestRun_LogDisabledWritesNothing(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	_, _, err := env.run(t, RelayInput{ScenarioID: "swot", Detail: "X", BusinessSessionID: "b"})
	require.NoError(t, err)
	require.Equal(t, 0, env.logs.calls)
}

func TestRun_AlreadyDisconnected(t *testing.T) {
	env := newRelayEnv(t, twoStepScenario())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	state, _ := env.runWith(ctx, RelayInput{ScenarioID: "swot", Detail: "X"}, sink)
	require.Equal(t, StateCancelled, state)
	require.Empty(t, sink.all())
	require.Equal(t, 0, env.upstream.callCount())
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateRejected, StateFinished, StateCancelled} {
		require.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateResolving, StateReady, StateRunningRound, StateAwaitingNext} {
		require.False(t, s.Terminal(), s.String())
	}
}
