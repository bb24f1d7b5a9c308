package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/metrics"
	"chat-relay/internal/repository"
	"chat-relay/internal/scenario"
	"chat-relay/internal/sessionstore"
	"chat-relay/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket chat endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if logLevel == "" && logFormat == "" {
				if err := setupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
					return errors.Wrap(err, "configure logging")
				}
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides the config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.Logger

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load AWS config")
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return errors.Wrap(err, "create SSM client")
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return errors.Wrap(err, "create state client")
	}
	store, err := sessionstore.New(ctx, sessionstore.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		Prefix:       cfg.Redis.Prefix,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "connect session store")
	}
	defer store.Close()

	catalog, err := scenario.Load(cfg.ScenariosFile)
	if err != nil {
		return err
	}
	upstreamOpts := []openai.Option{openai.WithBaseURL(cfg.Upstream.BaseURL)}
	if cfg.Upstream.ProxyURL != "" {
		upstreamOpts = append(upstreamOpts, openai.WithProxy(cfg.Upstream.ProxyURL))
	}
	upstream, err := openai.NewClient(upstreamOpts...)
	if err != nil {
		return errors.Wrap(err, "create upstream client")
	}
	preflightParams(ctx, params, cfg.ParamPrefix)

	// ---- Relay ----
	settings, err := usecase.NewSettings(params, cfg.ParamPrefix, cfg.Upstream.Model, logger)
	if err != nil {
		return err
	}
	ledger, err := usecase.NewLedger(repo, store, settings, logger)
	if err != nil {
		return err
	}
	memory, err := usecase.NewMemory(store, upstream, usecase.MemoryOptions{
		CompactThreshold: cfg.Memory.CompactThreshold,
		RecentTurns:      cfg.Memory.RecentTurns,
		ContextBound:     cfg.Memory.ContextBound,
	}, logger)
	if err != nil {
		return err
	}
	streams, err := usecase.NewStreamRelay(upstream, logger)
	if err != nil {
		return err
	}
	logs, err := usecase.NewLogWriter(repo, logger)
	if err != nil {
		return err
	}
	queue := usecase.NewWriteQueue(logger)
	relay, err := usecase.NewChatRelay(usecase.RelayDeps{
		Auth:      store,
		Ledger:    ledger,
		Advisors:  store,
		Scenarios: catalog,
		Models:    settings,
		Memory:    memory,
		Streams:   streams,
		Logs:      logs,
		Queue:     queue,
	}, logger)
	if err != nil {
		return err
	}

	// ---- HTTP ----
	metrics.Init()
	chat, err := handler.NewHandler(relay,
		handler.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		handler.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Hijacked WebSocket connections outlive Shutdown, so their request
	// contexts hang off connCtx which is cancelled once shutdown starts.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.NewMux(chat, handler.Health(store.Ping), metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Int("scenarios", catalog.Len()).Msg("starting chat relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down chat relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cancelConns()
		err := server.Shutdown(shutdownCtx)
		queue.Wait()
		return err
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("chat relay stopped")
	return nil
}

// preflightParams reports missing upstream parameters at startup. Settings
// loads them lazily and retries, so a miss here is not fatal.
func preflightParams(ctx context.Context, params *paramstore.Client, prefix string) {
	prefix = strings.TrimRight(prefix, "/")
	_, err := params.GetParameters(ctx, prefix+"/pooled-api-token", prefix+"/config/openai_model")
	if err != nil {
		log.Warn().Err(err).Str("prefix", prefix).Msg("upstream parameters not readable yet")
	}
}

