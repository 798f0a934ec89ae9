package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"

	"github.com/karthikraju391/marketplace-chat/config"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/handlers"
	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/logger"
	"github.com/karthikraju391/marketplace-chat/membership"
	"github.com/karthikraju391/marketplace-chat/nats_service"
	"github.com/karthikraju391/marketplace-chat/pipeline"
	"github.com/karthikraju391/marketplace-chat/presence"
	"github.com/karthikraju391/marketplace-chat/sequencer"
	"github.com/karthikraju391/marketplace-chat/store"
	"github.com/karthikraju391/marketplace-chat/store/gormstore"
	"github.com/karthikraju391/marketplace-chat/typing"
)

const jwksRefreshInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg)
	nodeID := uuid.NewString()
	log.Info().Str("node_id", nodeID).Str("environment", cfg.Environment).Msg("starting chat server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Durable store ---
	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	// --- Identity ---
	verifier, err := openVerifier(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize identity provider")
	}
	defer verifier.Close()

	// --- Connection registry and fan-out ---
	registry := gateway.NewRegistry(verifier, gateway.OptionsFrom(cfg), log)

	var (
		pub   fanout.Publisher = fanout.NewLocal(registry)
		bus   *nats_service.NatsService
		ready func() error
	)
	if cfg.NatsURL != "" {
		bus, err = nats_service.NewNatsService(ctx, nats_service.Config{
			URL:           cfg.NatsURL,
			StreamName:    cfg.StreamName,
			SubjectPrefix: cfg.SubjectPrefix,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize NATS service")
		}
		defer bus.Close()
		if err := bus.Start(ctx, registry); err != nil {
			log.Fatal().Err(err).Msg("failed to start NATS consumer")
		}
		pub = bus
		ready = func() error {
			if !bus.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}
		log.Info().Str("stream", cfg.StreamName).Msg("fan-out over NATS JetStream")
	}

	// --- Presence ---
	var opts []presence.Option
	var mirror *presence.RedisMirror
	if cfg.RedisURL != "" {
		mirror, err = presence.NewRedisMirror(ctx, cfg.RedisURL, nodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect presence mirror")
		}
		opts = append(opts, presence.WithMirror(mirror))
	}
	tracker := presence.NewTracker(st, pub, registry, cfg.PresenceGrace, log, opts...)

	// --- Chat services ---
	seq := sequencer.New()
	rooms := membership.NewRegistry(st, seq, pub, registry, log)
	messages := pipeline.New(st, rooms, seq, pub, cfg.MaxContentLength, log)
	typists := typing.NewCoordinator(rooms, pub, cfg.TypingIdle, log)
	hist := history.NewService(st, rooms, pub, history.Limits{Default: cfg.HistoryDefaultLimit, Max: cfg.HistoryMaxLimit}, log)

	registry.Observe(tracker)
	registry.Observe(typists)

	app := handlers.NewApp(cfg, handlers.Deps{
		Verifier:  verifier,
		Gateway:   registry,
		Rooms:     rooms,
		Messages:  messages,
		History:   hist,
		Typing:    typists,
		Presence:  tracker,
		Publisher: pub,
		Ready:     ready,
	}, log)

	// --- Start Server ---
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("listening")
		if err := app.Listen(cfg.ServerAddr); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// --- Graceful Shutdown ---
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("fiber shutdown")
	}
	registry.Shutdown()

	if mirror != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := mirror.Release(releaseCtx, tracker.OnlineUsers()); err != nil {
			log.Warn().Err(err).Msg("release presence mirror")
		}
		cancel()
		if err := mirror.Close(); err != nil {
			log.Warn().Err(err).Msg("close presence mirror")
		}
	}

	log.Info().Msg("server stopped")
}

func openStore(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, using the in-memory store")
		return store.NewMemoryStore(log), nil
	}
	db, err := gormstore.Connect(gormstore.Config{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormLogLevel(cfg),
	})
	if err != nil {
		return nil, err
	}
	if err := gormstore.Migrate(db); err != nil {
		return nil, err
	}
	return gormstore.New(db, log), nil
}

func gormLogLevel(cfg *config.Config) gormlogger.LogLevel {
	if cfg.IsDevelopment() {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func openVerifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*identity.JWTValidator, error) {
	if cfg.AuthJWKSURL != "" {
		return identity.NewJWKSValidator(ctx, cfg.AuthJWKSURL, cfg.AuthIssuer, cfg.AuthAudience, jwksRefreshInterval, 30*time.Second, log)
	}
	return identity.NewHMACValidator(cfg.AuthHMACSecret, cfg.AuthIssuer, cfg.AuthAudience, 30*time.Second, log)
}
