package sessionstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"chat-relay/internal/domain"
)

var ErrInvalidToken = domain.ErrInvalidToken

// Verify resolves a session token issued by the login service. Tokens are
// stored as auth:<token> -> {"id":..., "email":...} with the login TTL.
func (s *Store) Verify(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	raw, err := s.client.Get(ctx, s.authKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Identity{}, ErrInvalidToken
	}
	if err != nil {
		return domain.Identity{}, errors.Wrap(err, "sessionstore: read session token")
	}
	var id domain.Identity
	if err := json.Unmarshal(raw, &id); err != nil || id.ID == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	return id, nil
}

// PutToken records a session token. The login service owns issuance; the
// relay only uses this in tooling and tests.
func (s *Store) PutToken(ctx context.Context, token string, id domain.Identity, ttl time.Duration) error {
	data, err := json.Marshal(id)
	if err != nil {
		return errors.Wrap(err, "sessionstore: encode identity")
	}
	if err := s.client.Set(ctx, s.authKey(token), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "sessionstore: put session token")
	}
	return nil
}
