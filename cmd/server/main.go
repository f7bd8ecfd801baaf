package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/config"
	"github.com/example/ridehail/internal/dispatch"
	"github.com/example/ridehail/internal/events"
	"github.com/example/ridehail/internal/geo"
	httpapi "github.com/example/ridehail/internal/http"
	"github.com/example/ridehail/internal/ingest"
	"github.com/example/ridehail/internal/logging"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/ride"
	"github.com/example/ridehail/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	// driver index: in-process memory is authoritative for matching;
	// Redis, when configured, mirrors writes and seeds a cold start
	mem := geo.NewIndex(cfg.FreshnessWindow)
	mem.StartSweeper(ctx, cfg.SweepInterval)
	var index geo.Geo = mem
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.FreshnessWindow)
		index = geo.NewMirrored(mem, rg, log)
		log.Info("driver index mirrored to redis", "addr", cfg.RedisAddr)
	}

	var store storage.RideStore
	var lookup matcher.RideLookup
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store, lookup = pg, pg
		log.Info("using postgres ride store")
	} else {
		mem := storage.NewMemoryStore()
		store, lookup = mem, mem
		log.Info("using in-memory ride store")
	}

	bus := events.NewInProcBus()
	rides := ride.NewService(store, bus, log)

	wsreg := dispatch.NewWSRegistry()

	coord := matcher.New(index, rides, lookup, wsreg, log, matcher.Config{
		InitialRadiusKm: cfg.InitialRadiusKm,
		MaxRadiusKm:     cfg.MaxRadiusKm,
		RadiusGrowth:    cfg.RadiusGrowth,
		MinCandidates:   cfg.MinCandidates,
		MaxCandidates:   cfg.MaxCandidates,
		OfferTTL:        cfg.OfferTTL,
		ScheduledLead:   cfg.ScheduledLead,
	})
	go coord.ConsumeCancellations(ctx, bus.Subscribe(events.TopicRideCancelled))
	coord.StartScheduledSweep(ctx, cfg.ScheduledSweep)

	gateway := &dispatch.Gateway{Live: wsreg, Log: log}
	if cfg.FCMEndpoint != "" {
		gateway.Push = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	go gateway.Run(ctx, bus.Subscribe(
		events.TopicRideAccepted,
		events.TopicRideEnRoute,
		events.TopicRideStarted,
		events.TopicRideCompleted,
		events.TopicRideCancelled,
		events.TopicNoDriverAvailable,
	))

	if cfg.StripeAPIKey != "" {
		biller := payments.NewBiller(payments.NewStripeClient(cfg.StripeAPIKey), log, cfg.HoldAmount, cfg.HoldCurrency)
		go biller.Run(ctx, bus.Subscribe(
			events.TopicRideAccepted,
			events.TopicRideCompleted,
			events.TopicRideCancelled,
		))
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()

		bridge := events.NewKafkaBridge(cfg.KafkaBrokers, cfg.KafkaEventTopic, bus.Subscribe(), log)
		go bridge.Run(ctx)
	}

	tokens := auth.NewProvider(cfg.JWTSecret, cfg.JWTIssuer)
	api := httpapi.NewServer(index, rides, coord, tokens, bus, producer, wsreg, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
