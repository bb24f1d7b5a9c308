package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/metrics"
)

// GrantDirectivePrefix marks an account key field that asks for a temporary
// pooled grant. The suffix is the grant lifetime in seconds; 0 revokes.
const GrantDirectivePrefix = "GIVE_TMP_CHATGPT_API_KEY_"

type UserDirectory interface {
	FindByID(ctx context.Context, id string) (domain.Account, error)
	UpdateKeyField(ctx context.Context, id, expected, value string) error
}

type GrantStore interface {
	Grant(ctx context.Context, userID string) (string, time.Duration, bool, error)
	SetGrant(ctx context.Context, userID, apiKey string, ttl time.Duration) error
	RevokeGrant(ctx context.Context, userID string) error
}

type PooledTokenSource interface {
	PooledToken(ctx context.Context) (string, error)
}

type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeUseDurable
	OutcomeUsePooled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUseDurable:
		return "durable"
	case OutcomeUsePooled:
		return "pooled"
	default:
		return "rejected"
	}
}

// Resolution is the result of a credential lookup. Notice, when set, is shown
// to the user before anything else.
type Resolution struct {
	Outcome    Outcome
	Credential domain.Credential
	Account    domain.Account
	Reason     string
	Notice     string
}

// Ledger decides which upstream credential a user may spend.
type Ledger struct {
	users  UserDirectory
	grants GrantStore
	pooled PooledTokenSource
	log    zerolog.Logger
	now    func() time.Time
}

func NewLedger(users UserDirectory, grants GrantStore, pooled PooledTokenSource, log zerolog.Logger) (*Ledger, error) {
	if users == nil {
		return nil, errors.New("usecase: user directory must not be nil")
	}
	if grants == nil {
		return nil, errors.New("usecase: grant store must not be nil")
	}
	if pooled == nil {
		return nil, errors.New("usecase: pooled token source must not be nil")
	}
	return &Ledger{
		users:  users,
		grants: grants,
		pooled: pooled,
		log:    log.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}, nil
}

// Resolve evaluates, in order: account expiry, durable key, grant directive,
// existing pooled grant. A durable key wins over any grant.
func (l *Ledger) Resolve(ctx context.Context, userID string) (Resolution, error) {
	res, err := l.resolve(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	metrics.RecordResolution(res.Outcome.String())
	l.log.Debug().
		Str("user_id", userID).
		Stringer("outcome", res.Outcome).
		Str("reason", res.Reason).
		Msg("credential resolved")
	return res, nil
}

func (l *Ledger) resolve(ctx context.Context, userID string) (Resolution, error) {
	acct, err := l.users.FindByID(ctx, userID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return rejected(acct, "unknown_account", ""), nil
	}
	if err != nil {
		return Resolution{}, errors.Wrap(err, "usecase: load account")
	}
	if acct.Expired(l.now()) {
		return rejected(acct, "account_expired", ""), nil
	}

	field := strings.TrimSpace(acct.KeyField)
	seconds, isDirective := parseGrantDirective(field)
	switch {
	case field != "" && !strings.HasPrefix(field, GrantDirectivePrefix):
		return Resolution{
			Outcome:    OutcomeUseDurable,
			Credential: domain.Credential{Kind: domain.CredentialDurable, Key: field},
			Account:    acct,
		}, nil
	case isDirective:
		res, applied, err := l.applyDirective(ctx, acct, field, seconds)
		if err != nil {
			return Resolution{}, err
		}
		if applied {
			return res, nil
		}
	case field != "":
		l.log.Warn().Str("user_id", userID).Str("key_field", field).Msg("ignoring malformed grant directive")
	}

	key, ttl, ok, err := l.grants.Grant(ctx, userID)
	if err != nil {
		return Resolution{}, errors.Wrap(err, "usecase: read pooled grant")
	}
	if ok && ttl > 0 {
		return Resolution{
			Outcome:    OutcomeUsePooled,
			Credential: domain.Credential{Kind: domain.CredentialPooled, Key: key, TTL: ttl},
			Account:    acct,
			Notice:     fmt.Sprintf("You are using a temporary grant with %ds remaining.", int(ttl.Seconds())),
		}, nil
	}
	return rejected(acct, "no_quota", ""), nil
}

// applyDirective consumes a grant directive. It reports applied=false when
// another resolver cleared the directive first.
func (l *Ledger) applyDirective(ctx context.Context, acct domain.Account, directive string, seconds int) (Resolution, bool, error) {
	var token string
	if seconds > 0 {
		var err error
		if token, err = l.pooled.PooledToken(ctx); err != nil {
			return Resolution{}, false, errors.Wrap(err, "usecase: load pooled token")
		}
	}

	err := l.users.UpdateKeyField(ctx, acct.ID, directive, "")
	if errors.Is(err, domain.ErrKeyFieldChanged) {
		l.log.Info().Str("user_id", acct.ID).Msg("grant directive already consumed")
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, errors.Wrap(err, "usecase: clear grant directive")
	}

	if seconds == 0 {
		if err := l.grants.RevokeGrant(ctx, acct.ID); err != nil {
			return Resolution{}, false, errors.Wrap(err, "usecase: revoke pooled grant")
		}
		l.log.Info().Str("user_id", acct.ID).Msg("pooled grant revoked")
		return rejected(acct, "no_quota", "Your temporary grant has been revoked."), true, nil
	}

	ttl := time.Duration(seconds) * time.Second
	if err := l.grants.SetGrant(ctx, acct.ID, token, ttl); err != nil {
		return Resolution{}, false, errors.Wrap(err, "usecase: mint pooled grant")
	}
	l.log.Info().Str("user_id", acct.ID).Int("seconds", seconds).Msg("pooled grant minted")
	return Resolution{
		Outcome:    OutcomeUsePooled,
		Credential: domain.Credential{Kind: domain.CredentialPooled, Key: token, TTL: ttl},
		Account:    acct,
		Notice:     fmt.Sprintf("You have been given a temporary grant of %ds.", seconds),
	}, true, nil
}

func parseGrantDirective(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, GrantDirectivePrefix)
	if !ok {
		return 0, false
	}
	seconds, err := strconv.Atoi(rest)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}

func rejected(acct domain.Account, reason, notice string) Resolution {
	return Resolution{Outcome: OutcomeRejected, Account: acct, Reason: reason, Notice: notice}
}
