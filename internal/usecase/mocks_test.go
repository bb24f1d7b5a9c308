package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/scenario"
	"chat-relay/internal/sessionstore"
)

const (
	testPrefix = "/chat-relay/test"
	testModel  = "gpt-test"
	testToken  = "tok-u1"
)

type mockParams struct {
	mu         sync.Mutex
	vals       map[string]string
	token      string
	tokenErr   error
	failOnce   bool
	tokenCalls int
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func (m *mockParams) Token(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenCalls++
	if m.failOnce {
		m.failOnce = false
		return "", errors.New("temporary ssm failure")
	}
	if m.tokenErr != nil {
		return "", m.tokenErr
	}
	return m.token, nil
}

func newMockParams() *mockParams {
	return &mockParams{
		vals:  map[string]string{testPrefix + "/config/openai_model": testModel},
		token: "sk-pooled",
	}
}

type keyFieldUpdate struct {
	id       string
	expected string
	value    string
}

type mockUsers struct {
	mu        sync.Mutex
	accounts  map[string]domain.Account
	findErr   error
	updateErr error
	updates   []keyFieldUpdate
}

func newMockUsers(accounts ...domain.Account) *mockUsers {
	m := &mockUsers{accounts: map[string]domain.Account{}}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockUsers) FindByID(_ context.Context, id string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return domain.Account{}, m.findErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, nil
}

func (m *mockUsers) UpdateKeyField(_ context.Context, id, expected, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, keyFieldUpdate{id: id, expected: expected, value: value})
	if m.updateErr != nil {
		return m.updateErr
	}
	a := m.accounts[id]
	if a.KeyField != expected {
		return domain.ErrKeyFieldChanged
	}
	a.KeyField = value
	m.accounts[id] = a
	return nil
}

func (m *mockUsers) keyField(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].KeyField
}

type mockCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]domain.ChatMessage
}

func (m *mockCompleter) Complete(_ context.Context, _, _ string, messages []domain.ChatMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	return m.reply, m.err
}

func (m *mockCompleter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type upstreamCall struct {
	apiKey   string
	model    string
	messages []domain.ChatMessage
}

// mockUpstream answers the n-th OpenStream call with respond(n).
type mockUpstream struct {
	mu      sync.Mutex
	calls   []upstreamCall
	respond func(n int) (io.ReadCloser, error)
}

func (m *mockUpstream) OpenStream(_ context.Context, apiKey, model string, messages []domain.ChatMessage) (io.ReadCloser, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, upstreamCall{apiKey: apiKey, model: model, messages: messages})
	m.mu.Unlock()
	return m.respond(n)
}

func (m *mockUpstream) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockUpstream) call(n int) upstreamCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[n]
}

func deltaFrame(text string) string {
	content, _ := json.Marshal(text)
	return `data: {"id":"c1","choices":[{"index":0,"delta":{"content":` + string(content) + `}}]}` + "\n\n"
}

func sseStream(deltas ...string) string {
	var b strings.Builder
	b.WriteString(`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}` + "\n\n")
	for _, d := range deltas {
		b.WriteString(deltaFrame(d))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func sseBody(deltas ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(sseStream(deltas...)))
}

// chunkedBody returns one chunk per Read.
type chunkedBody struct {
	chunks []string
	closed bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

type mockLogs struct {
	mu      sync.Mutex
	records map[domain.LogKey]*domain.ConversationLog
	err     error
	calls   int
}

func newMockLogs() *mockLogs {
	return &mockLogs{records: map[domain.LogKey]*domain.ConversationLog{}}
}

func (m *mockLogs) Upsert(_ context.Context, key domain.LogKey, fields domain.LogFields, pair domain.QAPair) (domain.ConversationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return domain.ConversationLog{}, m.err
	}
	rec, ok := m.records[key]
	if !ok {
		rec = &domain.ConversationLog{LogKey: key}
		m.records[key] = rec
	}
	rec.ScenarioID = fields.ScenarioID
	if !fields.KeepSummary {
		rec.Summary = fields.Summary
	}
	rec.Deleted = fields.Deleted
	rec.Pairs = append(rec.Pairs, pair)
	return *rec, nil
}

func (m *mockLogs) snapshot() []domain.ConversationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConversationLog, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	onSend func(text string)
}

func (s *recordingSink) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, text)
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(text)
	}
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *sessionstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := sessionstore.NewFromClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func testAccount() domain.Account {
	return domain.Account{
		ID:           "u1",
		Email:        "ada@example.com",
		Tenant:       "acme",
		KeyField:     "sk-durable",
		Name:         "Ada",
		Organization: "Acme Ltd",
		Industry:     1,
		Role:         2,
	}
}

type relayEnv struct {
	mr       *miniredis.Miniredis
	store    *sessionstore.Store
	users    *mockUsers
	params   *mockParams
	llm      *mockCompleter
	upstream *mockUpstream
	logs     *mockLogs
	queue    *WriteQueue
	relay    *ChatRelay
}

func newRelayEnv(t *testing.T, scenarios ...domain.Scenario) *relayEnv {
	t.Helper()
	mr, store := newTestStore(t)
	require.NoError(t, store.PutToken(context.Background(), testToken, domain.Identity{ID: "u1", Email: "ada@example.com"}, time.Hour))

	env := &relayEnv{
		mr:       mr,
		store:    store,
		users:    newMockUsers(testAccount()),
		params:   newMockParams(),
		llm:      &mockCompleter{reply: "condensed"},
		upstream: &mockUpstream{respond: func(n int) (io.ReadCloser, error) { return sseBody(fmt.Sprintf("reply-%d", n)), nil }},
		logs:     newMockLogs(),
	}
	log := zerolog.Nop()

	settings, err := NewSettings(env.params, testPrefix, "", log)
	require.NoError(t, err)
	ledger, err := NewLedger(env.users, store, settings, log)
	require.NoError(t, err)
	memory, err := NewMemory(store, env.llm, MemoryOptions{CompactThreshold: 1000, RecentTurns: 4, ContextBound: 4000}, log)
	require.NoError(t, err)
	streams, err := NewStreamRelay(env.upstream, log)
	require.NoError(t, err)
	logWriter, err := NewLogWriter(env.logs, log)
	require.NoError(t, err)
	catalog, err := scenario.New(scenarios...)
	require.NoError(t, err)
	env.queue = NewWriteQueue(log)

	env.relay, err = NewChatRelay(RelayDeps{
		Auth:      store,
		Ledger:    ledger,
		Advisors:  store,
		Scenarios: catalog,
		Models:    settings,
		Memory:    memory,
		Streams:   streams,
		Logs:      logWriter,
		Queue:     env.queue,
	}, log)
	require.NoError(t, err)
	return env
}

func (e *relayEnv) run(t *testing.T, in RelayInput) (State, []string, error) {
	t.Helper()
	sink := &recordingSink{}
	state, err := e.runWith(context.Background(), in, sink)
	return state, sink.all(), err
}

func (e *relayEnv) runWith(ctx context.Context, in RelayInput, sink *recordingSink) (State, error) {
	if in.SessionToken == "" {
		in.SessionToken = testToken
	}
	state, err := e.relay.Run(ctx, in, sink)
	e.queue.Wait()
	return state, err
}
