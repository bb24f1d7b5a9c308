package usecase

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/metrics"
)

type MemoryStore interface {
	History(ctx context.Context, sessionID string) ([]string, error)
	AppendHistory(ctx context.Context, sessionID string, turns ...string) error
	TrimHistory(ctx context.Context, sessionID string, keep int) error
	Summary(ctx context.Context, sessionID string) (string, error)
	SetSummary(ctx context.Context, sessionID, summary string) error
	ClearMemory(ctx context.Context, sessionID string) error
}

// Completer runs one non-streaming completion.
type Completer interface {
	Complete(ctx context.Context, apiKey, model string, messages []domain.ChatMessage) (string, error)
}

type MemoryOptions struct {
	CompactThreshold int
	RecentTurns      int
	ContextBound     int
}

// Snapshot is the conversation memory handed to the prompt builder.
type Snapshot struct {
	Summary string
	History []string
}

// Text renders the snapshot as the content of a round's memory message.
func (s Snapshot) Text() string {
	return memoryText(s.Summary, s.History, "")
}

// Memory reads session history and compacts it into a summary once the raw
// turns grow past the configured threshold.
type Memory struct {
	store MemoryStore
	llm   Completer
	opts  MemoryOptions
	log   zerolog.Logger
}

func NewMemory(store MemoryStore, llm Completer, opts MemoryOptions, log zerolog.Logger) (*Memory, error) {
	if store == nil {
		return nil, errors.New("usecase: memory store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if opts.CompactThreshold <= 0 || opts.RecentTurns <= 0 || opts.ContextBound <= 0 {
		return nil, errors.New("usecase: memory options must be positive")
	}
	return &Memory{
		store: store,
		llm:   llm,
		opts:  opts,
		log:   log.With().Str("component", "memory").Logger(),
	}, nil
}

// Load returns the session memory, compacting first when the raw history is
// over the threshold. A failed compaction falls back to raw history cut to the
// context bound.
func (m *Memory) Load(ctx context.Context, sessionID string, cred domain.Credential, model string) (Snapshot, error) {
	history, err := m.store.History(ctx, sessionID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "usecase: read history")
	}
	summary, err := m.store.Summary(ctx, sessionID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "usecase: read summary")
	}
	snap := Snapshot{Summary: summary, History: history}
	if runeLen(strings.Join(history, "\n")) <= m.opts.CompactThreshold {
		return m.bound(snap), nil
	}

	compacted, err := m.compact(ctx, sessionID, snap, cred, model)
	if err != nil {
		metrics.RecordCompaction("error")
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("compaction failed, using raw history")
		return m.bound(snap), nil
	}
	metrics.RecordCompaction("ok")
	return m.bound(compacted), nil
}

func (m *Memory) compact(ctx context.Context, sessionID string, snap Snapshot, cred domain.Credential, model string) (Snapshot, error) {
	condensed, err := m.llm.Complete(ctx, cred.Key, model, compactionPrompt(snap))
	if err != nil {
		return Snapshot{}, err
	}
	condensed = strings.TrimSpace(condensed)
	if condensed == "" {
		return Snapshot{}, errors.New("usecase: empty summary")
	}
	if err := m.store.SetSummary(ctx, sessionID, condensed); err != nil {
		return Snapshot{}, errors.Wrap(err, "usecase: store summary")
	}
	keep := m.recentWindow(snap.History)
	if err := m.store.TrimHistory(ctx, sessionID, keep); err != nil {
		return Snapshot{}, errors.Wrap(err, "usecase: trim history")
	}
	recent := snap.History[len(snap.History)-keep:]
	m.log.Debug().
		Str("session_id", sessionID).
		Int("turns_before", len(snap.History)).
		Int("summary_chars", runeLen(condensed)).
		Msg("history compacted")
	return Snapshot{Summary: condensed, History: recent}, nil
}

// Record appends one completed exchange to the session history.
func (m *Memory) Record(ctx context.Context, sessionID string, pair domain.QAPair) error {
	if err := m.store.AppendHistory(ctx, sessionID,
		domain.RoleUser+": "+pair.Question,
		domain.RoleAssistant+": "+pair.Answer,
	); err != nil {
		return errors.Wrap(err, "usecase: append history")
	}
	return nil
}

// Reset drops history and summary. Resetting an empty session is a no-op.
func (m *Memory) Reset(ctx context.Context, sessionID string) error {
	if err := m.store.ClearMemory(ctx, sessionID); err != nil {
		return errors.Wrap(err, "usecase: reset memory")
	}
	return nil
}

// recentWindow is the number of newest turns kept after a compaction: at most
// RecentTurns, and few enough that the kept turns stay under the threshold.
// Otherwise the next load would summarise the same turns again.
func (m *Memory) recentWindow(history []string) int {
	keep, size := 0, 0
	for i := len(history) - 1; i >= 0 && keep < m.opts.RecentTurns; i-- {
		next := size + runeLen(history[i])
		if keep > 0 {
			next++
		}
		if next > m.opts.CompactThreshold {
			break
		}
		size = next
		keep++
	}
	return keep
}

// bound drops the oldest turns, then the head of the summary, until the
// rendered memory text fits the context bound.
func (m *Memory) bound(snap Snapshot) Snapshot {
	limit := m.opts.ContextBound
	summary := strings.TrimSpace(snap.Summary)
	history := snap.History
	for len(history) > 0 && runeLen(memoryText(summary, history, "")) > limit {
		history = history[1:]
	}
	if len(history) == 0 && runeLen(memoryText(summary, nil, "")) > limit {
		room := max(limit-runeLen(summaryHeader), 0)
		r := []rune(summary)
		summary = strings.TrimSpace(string(r[len(r)-room:]))
	}
	return Snapshot{Summary: summary, History: history}
}

func compactionPrompt(snap Snapshot) []domain.ChatMessage {
	var b strings.Builder
	if s := strings.TrimSpace(snap.Summary); s != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(strings.Join(snap.History, "\n"))
	return []domain.ChatMessage{
		{
			Role: domain.RoleSystem,
			Content: "Condense the conversation below into a short summary, " +
				"preserving facts needed to continue. Reply with the summary only.",
		},
		{Role: domain.RoleUser, Content: b.String()},
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
