package usecase

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ParamGetter reads upstream settings from the parameter store.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
	Token(ctx context.Context, name string) (string, error)
}

// Settings lazily loads the upstream model name and the pooled API token.
// Each value is cached on its own, so a missing pooled token never blocks
// the model lookup. A failed load is retried on the next call.
type Settings struct {
	params        ParamGetter
	paramPrefix   string
	fallbackModel string
	log           zerolog.Logger

	cacheMu     sync.RWMutex
	model       string
	pooledToken string
}

func NewSettings(p ParamGetter, paramPrefix, fallbackModel string, log zerolog.Logger) (*Settings, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &Settings{
		params:        p,
		paramPrefix:   paramPrefix,
		fallbackModel: strings.TrimSpace(fallbackModel),
		log:           log.With().Str("component", "settings").Logger(),
	}, nil
}

func (s *Settings) Model(ctx context.Context) (string, error) {
	return s.ensure(ctx, &s.model, s.loadModel)
}

func (s *Settings) PooledToken(ctx context.Context) (string, error) {
	return s.ensure(ctx, &s.pooledToken, s.loadPooledToken)
}

// ensure returns *slot, filling it with load on first use.
func (s *Settings) ensure(ctx context.Context, slot *string, load func(context.Context) (string, error)) (string, error) {
	s.cacheMu.RLock()
	v := *slot
	s.cacheMu.RUnlock()
	if v != "" {
		return v, nil
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if *slot != "" {
		return *slot, nil
	}
	v, err := load(ctx)
	if err != nil {
		return "", err
	}
	*slot = v
	return v, nil
}

func (s *Settings) loadPooledToken(ctx context.Context) (string, error) {
	token, err := s.params.Token(ctx, s.paramPrefix+"/pooled-api-token")
	if err != nil {
		return "", errors.Wrap(err, "usecase: load pooled api token")
	}
	return token, nil
}

func (s *Settings) loadModel(ctx context.Context) (string, error) {
	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	model = strings.TrimSpace(model)
	if err == nil && model != "" {
		return model, nil
	}
	if s.fallbackModel == "" {
		if err == nil {
			err = errors.New("empty value")
		}
		return "", errors.Wrap(err, "usecase: load openai model")
	}
	s.log.Warn().Err(err).Str("fallback", s.fallbackModel).Msg("openai model parameter unavailable, using configured model")
	return s.fallbackModel, nil
}
