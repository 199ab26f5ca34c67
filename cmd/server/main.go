package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/smart-pokhara/backend/internal/cache"
	"github.com/smart-pokhara/backend/internal/config"
	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/geocode"
	httpapi "github.com/smart-pokhara/backend/internal/http"
	"github.com/smart-pokhara/backend/internal/http/handlers"
	"github.com/smart-pokhara/backend/internal/notify"
	"github.com/smart-pokhara/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "smart-pokhara-backend").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	var locker *cache.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect redis")
		}
		locker = cache.NewLocker(rdb, "smart-pokhara:lock:")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, sla sweep runs without a lock")
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect amqp")
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open amqp channel")
		}
		defer ch.Close()
		p, err := notify.NewAMQPPublisher(ch, cfg.AMQPQueue, 5*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Str("queue", cfg.AMQPQueue).Msg("failed to declare queue")
		}
		publisher = p
	} else {
		logger.Info().Msg("AMQP_URL not set, domain events are dropped")
	}

	var geocoder geocode.Geocoder
	if cfg.NominatimURL != "" {
		geocoder = &geocode.NominatimGeocoder{
			BaseURL:      cfg.NominatimURL,
			UserAgent:    cfg.NominatimUserAgent,
			CountryCodes: "np",
		}
	}

	assigner := &service.AssignmentService{
		Store:            store,
		Rules:            cfg.Rules,
		OfflineThreshold: cfg.OfflineThreshold,
		Publisher:        publisher,
		Logger:           logger.With().Str("component", "assignment").Logger(),
	}
	complaints := &service.ComplaintService{
		Store:          store,
		Assigner:       assigner,
		Policy:         cfg.Policy,
		CountryDefault: cfg.CountryDefault,
		CityDefault:    cfg.CityDefault,
		AutoAssign:     cfg.AutoAssignOnCreate,
		Publisher:      publisher,
		Logger:         logger.With().Str("component", "complaints").Logger(),
	}
	if geocoder != nil {
		complaints.Geocoder = geocoder
	}
	sweeper := &service.Sweeper{
		Store:      store,
		Assigner:   assigner,
		Policy:     cfg.Policy,
		Rules:      cfg.Rules,
		Locker:     locker,
		LockTTL:    cfg.SweepLockTTL,
		Interval:   cfg.SweepInterval,
		RetryDelay: cfg.RetryDelay,
		Publisher:  publisher,
		Logger:     logger.With().Str("component", "sweeper").Logger(),
	}

	h := &handlers.Handler{
		DB:         store,
		Complaints: complaints,
		Assigner:   assigner,
		Staff:      store,
		Policy:     cfg.Policy,
		Validator:  validator.New(),
		Logger:     logger,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           http.TimeoutHandler(httpapi.Router(cfg, h, logger), cfg.RequestTimeout, `{"error":{"code":"TIMEOUT","message":"Request timed out"}}`),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
