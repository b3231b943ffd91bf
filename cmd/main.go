package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/errgroup"

	"persona-agent/handler"
	"persona-agent/internal/config"
	"persona-agent/internal/integrations/openai"
	"persona-agent/internal/integrations/paramstore"
	"persona-agent/internal/integrations/twilio"
	"persona-agent/internal/logging"
	"persona-agent/internal/pacing"
	"persona-agent/internal/repository"
	"persona-agent/internal/scheduler"
	"persona-agent/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.IsDevelopment(), os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// AWS config is loaded only if a backend needs it.
	loadAWS := sync.OnceValues(func() (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})

	// ---- Clients ----
	params, err := newParamGetter(cfg, loadAWS)
	if err != nil {
		return err
	}
	store, closeStore, err := newTurnStore(ctx, cfg, loadAWS)
	if err != nil {
		return err
	}
	defer closeStore()

	completer, err := newCompleter(cfg, params)
	if err != nil {
		return err
	}
	sender, err := newSender(cfg, params, logger)
	if err != nil {
		return err
	}

	// ---- Delivery engine ----
	sched, err := scheduler.New(sender,
		scheduler.WithSendTimeout(cfg.DeliveryTimeout),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	model, err := pacing.New(cfg.Pacing)
	if err != nil {
		return fmt.Errorf("create pacing model: %w", err)
	}
	seed := cfg.PacingSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	replies, err := usecase.NewReplyService(params, store, completer, model, sched, cfg.ParamPrefix,
		usecase.WithContextWindow(cfg.ContextWindow),
		usecase.WithRandomSource(pacing.NewLockedSource(seed)),
		usecase.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create reply service: %w", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(replies, store,
		handler.WithLogger(logger),
		handler.WithDeliveryCounts(sched),
	)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("persona agent listening",
			"port", cfg.Port,
			"store", cfg.StoreBackend,
			"params", cfg.ParamSource,
			"mock_llm", cfg.UseMockLLM,
			"delivery_disabled", cfg.DeliveryDisabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		// Pipelines still running may enqueue; drain them before closing the scheduler.
		if werr := h.Wait(shutdownCtx); werr != nil {
			logger.Warn("reply pipelines still running at shutdown", "err", werr)
		}
		if serr := sched.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("deliveries still sending at shutdown", "err", serr)
		}
		return err
	})
	return g.Wait()
}

func newParamGetter(cfg *config.Config, loadAWS func() (aws.Config, error)) (paramstore.Getter, error) {
	if cfg.ParamSource == config.ParamSourceEnv {
		return paramstore.NewEnvGetter(cfg.ParamPrefix), nil
	}
	awsCfg, err := loadAWS()
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	return client, nil
}

func newTurnStore(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error)) (repository.TurnStore, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, noop, fmt.Errorf("load AWS config: %w", err)
		}
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, noop, fmt.Errorf("create state client: %w", err)
		}
		return client, noop, nil
	case config.StoreSQLite:
		s, err := repository.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return repository.NewMemoryStore(), noop, nil
	}
}

func newCompleter(cfg *config.Config, params paramstore.Getter) (usecase.Completer, error) {
	if cfg.UseMockLLM {
		return openai.NewMockClient(), nil
	}
	client, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.OpenAITimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("create OpenAI client: %w", err)
	}
	return client, nil
}

func newSender(cfg *config.Config, params paramstore.Getter, logger *slog.Logger) (scheduler.Sender, error) {
	if cfg.DeliveryDisabled {
		return twilio.NewLogSender(logger), nil
	}
	client, err := twilio.NewClient(params, cfg.ParamPrefix,
		twilio.WithBaseURL(cfg.TwilioBaseURL),
		twilio.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create Twilio client: %w", err)
	}
	return client, nil
}
