package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/castlerow/unwind/internal/crypto"
	"github.com/castlerow/unwind/internal/intake"
	"github.com/castlerow/unwind/internal/projector"
	"github.com/castlerow/unwind/internal/reconcile"
	"github.com/castlerow/unwind/internal/relay"
	"github.com/castlerow/unwind/internal/server"
	"github.com/castlerow/unwind/internal/server/handler"
	"github.com/castlerow/unwind/internal/server/ws"
)

// ServeMode runs the HTTP API together with all background workers in a
// single process.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	proj := a.newProjector(deps)
	a.startWorkers(ctx, g, deps, proj)
	a.startHTTPServer(ctx, g, deps, proj)

	return g.Wait()
}

// APIMode runs only the HTTP API. Order submission and reconciliation are
// expected to run in a separate worker process.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)

	proj := a.newProjector(deps)
	a.startHTTPServer(ctx, g, deps, proj)

	return g.Wait()
}

// WorkerMode runs the outbox relay, the reconciler, and the archiver without
// the HTTP API.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	proj := a.newProjector(deps)
	a.startWorkers(ctx, g, deps, proj)

	return g.Wait()
}

// newProjector builds the single write path for broker order updates.
func (a *App) newProjector(deps *Dependencies) *projector.Projector {
	return projector.New(deps.TxRunner, deps.SignalBus, deps.Notifier, a.logger)
}

// startWorkers launches the outbox relay, the reconciler, and (when enabled)
// the archive loop on the given errgroup.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, proj *projector.Projector) {
	rel := relay.New(relay.Config{
		PollInterval:  a.cfg.Relay.PollInterval.Duration,
		SubmitTimeout: a.cfg.Relay.SubmitTimeout.Duration,
		MaxAttempts:   a.cfg.Relay.MaxAttempts,
		BackoffBase:   a.cfg.Relay.BackoffBase.Duration,
		BackoffMax:    a.cfg.Relay.BackoffMax.Duration,
	}, deps.Stores.Outbox, deps.TxRunner, deps.Submitter, proj, deps.Notifier, a.logger)
	g.Go(func() error {
		return rel.Run(ctx)
	})

	rec := reconcile.New(reconcile.Config{
		Interval:          a.cfg.Reconcile.Interval.Duration,
		ZombiePendingAge:  a.cfg.Reconcile.ZombiePendingAge.Duration,
		StuckSubmittedAge: a.cfg.Reconcile.StuckSubmittedAge.Duration,
		QueryTimeout:      a.cfg.Reconcile.QueryTimeout.Duration,
		LockTTL:           a.cfg.Reconcile.LockTTL.Duration,
	}, deps.Stores, deps.TxRunner, deps.Query, proj, deps.LockManager, deps.Notifier, a.logger)
	g.Go(func() error {
		return rec.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}
}

// runArchiveLoop periodically exports terminal close requests older than the
// retention window to blob storage.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			before := time.Now().UTC().Add(-retention)
			n, err := deps.Archiver.ArchiveBatch(ctx, before, a.cfg.Archive.BatchLimit)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive batch failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "archived close requests",
					slog.Int("count", n),
					slog.Time("before", before),
				)
			}
		}
	}
}

// startHTTPServer builds the HTTP handlers, the WebSocket hub, and the server,
// and launches them on the given errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, proj *projector.Projector) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by configuration")
		return
	}

	intakeSvc := intake.New(deps.Stores, deps.TxRunner, a.cfg.Intake.MaxRetries, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var verifier *crypto.WebhookVerifier
	if a.cfg.Broker.WebhookSecret != "" {
		verifier = crypto.NewWebhookVerifier(a.cfg.Broker.WebhookSecret, a.cfg.Broker.WebhookTolerance.Duration)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Close:  handler.NewCloseHandler(intakeSvc, a.logger),
		Broker: handler.NewBrokerHandler(proj, verifier, a.logger),
		Audit:  handler.NewAuditHandler(deps.Stores.Audit, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
