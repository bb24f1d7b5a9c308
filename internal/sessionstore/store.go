package sessionstore

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"chat-relay/internal/domain"
)

const defaultPrefix = "chatrelay:"

var (
	ErrEmptyRoster = domain.ErrEmptyRoster

	// DefaultAdvisors is the roster used until a user sets their own.
	DefaultAdvisors = []string{
		"Peter Drucker",
		"Warren Buffett",
		"Steve Jobs",
		"Charlie Munger",
		"Jack Welch",
		"Elon Musk",
	}

	advisorDelimiters = regexp.MustCompile(`[,|，\s]+`)
	advisorResetWords = map[string]struct{}{"default": {}, "reset": {}, "默认": {}}
)

// Store keeps per-session conversation memory, per-user advisor rosters and
// pooled credential grants in Redis. Every key is scoped to a single session
// or user, so unrelated sessions never contend.
type Store struct {
	client *redis.Client
	prefix string
}

// Options configures a Redis connection for New.
type Options struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("sessionstore: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "sessionstore: redis ping")
	}
	return NewFromClient(client, opts.Prefix), nil
}

// NewFromClient wraps an existing client. Tests use it with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) historyKey(sessionID string) string { return s.prefix + "history:" + sessionID }
func (s *Store) summaryKey(sessionID string) string { return s.prefix + "summary:" + sessionID }
func (s *Store) advisorsKey(userID string) string   { return s.prefix + "advisors:" + userID }
func (s *Store) grantKey(userID string) string      { return s.prefix + "grant:" + userID }
func (s *Store) authKey(token string) string        { return s.prefix + "auth:" + token }

// History returns the raw turns of a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string) ([]string, error) {
	turns, err := s.client.LRange(ctx, s.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore: read history")
	}
	return turns, nil
}

// AppendHistory adds turns to the end of a session's history.
func (s *Store) AppendHistory(ctx context.Context, sessionID string, turns ...string) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, len(turns))
	for i, t := range turns {
		values[i] = t
	}
	if err := s.client.RPush(ctx, s.historyKey(sessionID), values...).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: append history")
	}
	return nil
}

// SetHistory replaces a session's history.
func (s *Store) SetHistory(ctx context.Context, sessionID string, turns []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.historyKey(sessionID))
	if len(turns) > 0 {
		values := make([]any, len(turns))
		for i, t := range turns {
			values[i] = t
		}
		pipe.RPush(ctx, s.historyKey(sessionID), values...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "sessionstore: set history")
	}
	return nil
}

// TrimHistory keeps only the newest keep turns.
func (s *Store) TrimHistory(ctx context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		return s.ClearHistory(ctx, sessionID)
	}
	if err := s.client.LTrim(ctx, s.historyKey(sessionID), int64(-keep), -1).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: trim history")
	}
	return nil
}

func (s *Store) ClearHistory(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.historyKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: clear history")
	}
	return nil
}

// Summary returns the condensed memory of a session, or "" when none exists.
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	v, err := s.client.Get(ctx, s.summaryKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "sessionstore: read summary")
	}
	return v, nil
}

func (s *Store) SetSummary(ctx context.Context, sessionID, summary string) error {
	if err := s.client.Set(ctx, s.summaryKey(sessionID), summary, 0).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: set summary")
	}
	return nil
}

func (s *Store) ClearSummary(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.summaryKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: clear summary")
	}
	return nil
}

// ClearMemory drops both history and summary of a session.
func (s *Store) ClearMemory(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.historyKey(sessionID), s.summaryKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: clear memory")
	}
	return nil
}

// Advisors returns the user's advisory roster, or DefaultAdvisors when unset.
func (s *Store) Advisors(ctx context.Context, userID string) ([]string, error) {
	raw, err := s.client.Get(ctx, s.advisorsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return append([]string(nil), DefaultAdvisors...), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore: read advisors")
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil || len(names) == 0 {
		return append([]string(nil), DefaultAdvisors...), nil
	}
	return names, nil
}

// SetAdvisors stores a delimited list of advisor names. A reset word restores
// the default roster.
func (s *Store) SetAdvisors(ctx context.Context, userID, raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if _, ok := advisorResetWords[strings.ToLower(trimmed)]; ok {
		if err := s.client.Del(ctx, s.advisorsKey(userID)).Err(); err != nil {
			return nil, errors.Wrap(err, "sessionstore: reset advisors")
		}
		return append([]string(nil), DefaultAdvisors...), nil
	}
	names := ParseAdvisorNames(trimmed)
	if len(names) == 0 {
		return nil, ErrEmptyRoster
	}
	data, err := json.Marshal(names)
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore: encode advisors")
	}
	if err := s.client.Set(ctx, s.advisorsKey(userID), data, 0).Err(); err != nil {
		return nil, errors.Wrap(err, "sessionstore: set advisors")
	}
	return names, nil
}

// ParseAdvisorNames splits raw on commas, pipes, fullwidth commas and white
// space, dropping empty entries.
func ParseAdvisorNames(raw string) []string {
	parts := advisorDelimiters.Split(raw, -1)
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// Grant returns the pooled key granted to a user and its remaining lifetime.
func (s *Store) Grant(ctx context.Context, userID string) (string, time.Duration, bool, error) {
	key := s.grantKey(userID)
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, false, errors.Wrap(err, "sessionstore: read grant")
	}
	value, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, errors.Wrap(err, "sessionstore: read grant")
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return value, remaining, true, nil
}

// SetGrant stores a pooled key for a user that expires after ttl.
func (s *Store) SetGrant(ctx context.Context, userID, apiKey string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("sessionstore: grant ttl must be positive")
	}
	if err := s.client.Set(ctx, s.grantKey(userID), apiKey, ttl).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: set grant")
	}
	return nil
}

// ExpireGrant changes the remaining lifetime of an existing grant.
func (s *Store) ExpireGrant(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.grantKey(userID), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "sessionstore: expire grant")
	}
	return ok, nil
}

// GrantTTL returns the remaining lifetime of a grant, or 0 when none exists.
func (s *Store) GrantTTL(ctx context.Context, userID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.grantKey(userID)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "sessionstore: grant ttl")
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *Store) RevokeGrant(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.grantKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: revoke grant")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
