// Package app is the composition root: it wires configuration, storage,
// messaging, the workflow coordinator and the HTTP server, and owns the
// process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stephenbessey/BAIS-sub002/internal/ap2"
	"github.com/stephenbessey/BAIS-sub002/internal/config"
	"github.com/stephenbessey/BAIS-sub002/internal/httpapi"
	"github.com/stephenbessey/BAIS-sub002/internal/mandate"
	"github.com/stephenbessey/BAIS-sub002/internal/storage"
	"github.com/stephenbessey/BAIS-sub002/internal/webhook"
	"github.com/stephenbessey/BAIS-sub002/internal/websocket"
	"github.com/stephenbessey/BAIS-sub002/internal/workflow"
	"github.com/stephenbessey/BAIS-sub002/pkg/circuitbreaker"
	"github.com/stephenbessey/BAIS-sub002/pkg/messaging"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	pg        *storage.Postgres
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	wsHub     *websocket.Hub
	httpSrv   *http.Server
}

// New assembles the engine. Storage and messaging degrade gracefully:
// no database URL means the in-memory store, no broker URL means events
// are dropped, and with both configured events flow through the
// transactional outbox.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var (
		mandateStore  mandate.Store
		workflowStore workflow.Store
		sink          workflow.EventSink
	)

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.pg = pg
		mandateStore = pg
		workflowStore = pg
		logger.Info("using postgres store")
	} else {
		mem := storage.NewMemory()
		mandateStore = mem
		workflowStore = mem
		logger.Info("using in-memory store")
	}

	if cfg.RabbitURL != "" {
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		a.publisher = publisher

		if a.pg != nil {
			// Events are written to the outbox in the same store as the
			// workflow state and drained asynchronously.
			sink = a.pg
			a.outbox = messaging.NewOutboxDispatcher(a.pg.Pool(), publisher, "workflow_outbox", cfg.OutboxInterval, cfg.OutboxBatch, logger)
		} else {
			sink = publisher
		}
	} else {
		sink = workflow.NopSink{}
		logger.Info("no broker configured, events disabled")
	}

	breakers := circuitbreaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout)
	ap2Client := ap2.NewClient(cfg.AP2BaseURL, cfg.AP2Timeout, breakers, logger)

	mandateSvc := mandate.NewService(mandateStore, nil, mandateExpiry(cfg), logger)

	a.wsHub = websocket.NewHub()
	coordinator := workflow.NewCoordinator(mandateSvc, workflowStore, ap2Client, sink, a.wsHub, logger)

	verifier, err := webhook.NewVerifier(cfg.WebhookSecret)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("init webhook verifier: %w", err)
	}
	guard := webhook.NewReplayGuard(cfg.ReplayWindow, cfg.ReplayCacheSize)
	dispatcher := webhook.NewDispatcher(verifier, guard, coordinator, cfg.SignatureHeader, logger)

	api := httpapi.NewServer(mandateSvc, coordinator, dispatcher, breakers, ap2Client, logger)
	wsHandler := websocket.NewHandler(a.wsHub, coordinator, cfg.StreamMaxDuration, logger)
	api.HandleFunc("GET /transactions/workflows/{workflowID}/ws", wsHandler.ServeWS)

	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.wsHub.Run(ctx)

	go func() {
		a.logger.Info("mandate engine listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.closePartial()
}

func (a *App) closePartial() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}

func mandateExpiry(cfg config.Config) time.Duration {
	return time.Duration(cfg.DefaultMandateExpiryHours) * time.Hour
}

// Run is the process entry point used by main.
func Run() error {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(context.Background())

	return app.Run(ctx)
}
