package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/adapters/catalog"
	"github.com/tbourn/stickerhub/internal/adapters/feishu"
	"github.com/tbourn/stickerhub/internal/batch"
	"github.com/tbourn/stickerhub/internal/config"
	"github.com/tbourn/stickerhub/internal/domain"
	httpapi "github.com/tbourn/stickerhub/internal/http"
	"github.com/tbourn/stickerhub/internal/http/handlers"
	"github.com/tbourn/stickerhub/internal/media"
	"github.com/tbourn/stickerhub/internal/observability"
	"github.com/tbourn/stickerhub/internal/repo"
	"github.com/tbourn/stickerhub/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = 10 * time.Minute
	statusRetention = 24 * time.Hour
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the batch engine",
		RunE:  serveRun,
	}
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	app := wire(cfg, db)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, app.deps)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("base", cfg.APIBasePath).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runJanitor(gctx, db, app.statuses)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if app.engine != nil {
			if err := app.engine.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("batch engine shutdown")
			}
		}
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// application holds the wired collaborators.
type application struct {
	deps     handlers.Deps
	engine   *batch.Engine
	statuses *batch.StatusBoard
}

// wire builds the services from cfg. The Feishu sender is only created with
// app credentials and the batch engine only with a catalog; without them the
// relay skips and the batch endpoints answer 503.
func wire(cfg config.Config, db *gorm.DB) *application {
	binding := services.NewBindingService(db, domain.PlatformFeishu, cfg.CodeTTL, cfg.WebhookAllowedHosts)
	normalizer := media.New(cfg.FFmpegPath)
	normalizer.LottiePath = cfg.LottiePath

	relay := &services.RelayService{
		Resolver:   binding,
		Normalizer: normalizer,
		Strict:     cfg.RelayStrict,
	}
	if cfg.Feishu.Enabled() {
		relay.Sender = feishu.NewSender(cfg.Feishu.AppID, cfg.Feishu.AppSecret, cfg.Feishu.BaseURL, cfg.HTTPClientTimeout)
	} else {
		log.Warn().Msg("feishu credentials missing; relays will be skipped")
	}

	archives := &batch.DirArchiveDeliverer{Dir: cfg.ArchiveDir}
	app := &application{
		deps: handlers.Deps{
			Binding:        binding,
			Relay:          relay,
			Archives:       archives,
			DB:             db,
			MaxUploadBytes: cfg.MaxUploadBytes,
			IdempotencyTTL: cfg.IdempotencyTTL,
		},
		statuses: batch.NewStatusBoard(),
	}
	app.deps.Statuses = app.statuses

	if cfg.CatalogBaseURL == "" {
		log.Warn().Msg("catalog base url missing; batch tasks disabled")
		return app
	}

	deps := batch.Deps{
		Catalog:    catalog.New(cfg.CatalogBaseURL, cfg.HTTPClientTimeout),
		Status:     app.statuses,
		Normalizer: normalizer,
		Forwarder:  relay,
		Group:      relay,
		Archives:   archives,
	}
	if relay.CanMark() {
		deps.Marker = relay
	}
	app.engine = batch.NewEngine(deps, batch.Options{
		BatchSize: cfg.BatchSize,
		OfferTTL:  cfg.OfferTTL,
	})
	app.deps.Batches = app.engine
	return app
}

// runJanitor purges expired idempotency records and stale status messages
// until ctx is done.
func runJanitor(ctx context.Context, db *gorm.DB, statuses *batch.StatusBoard) {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
			} else if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency records purged")
			}
			if pruned := statuses.Prune(now.Add(-statusRetention)); pruned > 0 {
				log.Debug().Int("pruned", pruned).Msg("status messages pruned")
			}
		}
	}
}
