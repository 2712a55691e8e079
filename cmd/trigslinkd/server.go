package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/trigslink/blockend/internal/api"
	"github.com/trigslink/blockend/internal/config"
	"github.com/trigslink/blockend/internal/events"
	"github.com/trigslink/blockend/internal/keeper"
	"github.com/trigslink/blockend/internal/ledger"
	"github.com/trigslink/blockend/internal/logging"
	"github.com/trigslink/blockend/internal/oracle"
	"github.com/trigslink/blockend/internal/registry"
	"github.com/trigslink/blockend/internal/store"
	"github.com/trigslink/blockend/internal/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "trigslinkd",
	})

	log.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Dur("gracePeriod", cfg.GracePeriod).
		Str("oracleMode", cfg.OracleMode).
		Msg("Starting trigslinkd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, feedRunner := buildFeed(cfg)

	hub := websocket.NewHub()
	recorder := events.Fanout{events.LogRecorder{}, hub}

	var (
		db    *store.Store
		ready func() error
	)
	if cfg.Persistence {
		db, err = store.Open(cfg.DataDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to open lifecycle store")
		}
		defer db.Close()
		ready = db.Ping
	}

	reg := registry.New(registry.Config{
		Feed:     feed,
		Recorder: recorder,
		Journal:  registryJournal(db),
		Admin:    cfg.AdminPrincipal,
		FeeUSD:   cfg.ListingFeeUSD,
	})
	led := ledger.New(ledger.Config{
		Listings:    reg,
		Feed:        feed,
		Recorder:    recorder,
		Journal:     ledgerJournal(db),
		Admin:       cfg.AdminPrincipal,
		GracePeriod: cfg.GracePeriod,
	})

	if db != nil {
		snap, err := db.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load persisted state")
		}
		reg.Restore(snap.Listings, snap.RegistryBalance)
		led.Restore(snap.Participants, snap.Subscriptions, snap.LedgerBalance, snap.Credits)
		log.Info().
			Int("listings", len(snap.Listings)).
			Int("participants", len(snap.Participants)).
			Msg("State restored from store")
	}

	sweeper := keeper.New(led, cfg.SweepInterval)
	handler := api.NewRouter(reg, led, hub, ready)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	startMetricsServer(ctx, cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if feedRunner != nil {
		g.Go(func() error {
			feedRunner(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

// buildFeed constructs the configured oracle feed; the second return value is
// a background runner for feeds that poll.
func buildFeed(cfg *config.Config) (oracle.PriceFeed, func(context.Context)) {
	switch cfg.OracleMode {
	case config.OracleModeHTTP:
		feed := oracle.NewHTTPFeed(oracle.HTTPFeedConfig{
			URL:          cfg.OracleURL,
			PollInterval: cfg.OraclePollInterval,
			MaxStaleness: cfg.OracleMaxStaleness,
		})
		return feed, feed.Run
	default:
		log.Warn().Str("price", cfg.OracleStaticPrice.String()).Msg("Using static oracle feed; do not use in production")
		return oracle.NewStatic(cfg.OracleStaticPrice), nil
	}
}

// The journal helpers return untyped nil interfaces when persistence is
// disabled; handing a typed-nil *store.Store to the engines would defeat
// their journal == nil checks.

func registryJournal(db *store.Store) registry.Journal {
	if db == nil {
		return nil
	}
	return db
}

func ledgerJournal(db *store.Store) ledger.Journal {
	if db == nil {
		return nil
	}
	return db
}
