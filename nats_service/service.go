// Package nats_service carries fan-out envelopes between nodes over NATS
// JetStream. Every node publishes the envelopes it produces and consumes
// the whole subject space with an ordered consumer, delivering each
// envelope to the connections it holds.
package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/metrics"
)

// Config selects the server, stream and subject space.
type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

type NatsService struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	cfg        Config
	consumeCtx jetstream.ConsumeContext
	log        zerolog.Logger
}

var _ fanout.Publisher = (*NatsService)(nil)

// NewNatsService connects to NATS and makes sure the fan-out stream exists.
func NewNatsService(ctx context.Context, cfg Config, log zerolog.Logger) (*NatsService, error) {
	log = log.With().Str("component", "nats").Logger()
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("marketplace-chat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(setupCtx, cfg.StreamName)
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		log.Info().Str("stream", cfg.StreamName).Msg("stream not found, creating")
		stream, err = js.CreateStream(setupCtx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Chat fan-out envelopes",
			Subjects:    []string{cfg.SubjectPrefix + ".>"},
			MaxAge:      cfg.MaxAge,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
	case err != nil:
		nc.Close()
		return nil, fmt.Errorf("failed to look up stream '%s': %w", cfg.StreamName, err)
	}
	log.Info().Str("stream", stream.CachedInfo().Config.Name).Msg("stream ready")

	return &NatsService{nc: nc, js: js, cfg: cfg, log: log}, nil
}

// Publish writes env to the stream and waits for the server's ack, so
// envelopes published in sequence keep their order in the stream.
func (s *NatsService) Publish(ctx context.Context, env fanout.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	subject := s.subject(env)
	start := time.Now()
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	metrics.BusPublishDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Start consumes new envelopes from the stream and applies each to d.
func (s *NatsService) Start(ctx context.Context, d fanout.Deliverer) error {
	cons, err := s.js.OrderedConsumer(ctx, s.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.cfg.SubjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create ordered consumer on '%s': %w", s.cfg.StreamName, err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var env fanout.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			s.log.Error().Err(err).Str("subject", msg.Subject()).Msg("decode envelope")
			return
		}
		fanout.Deliver(d, env)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.log.Warn().Err(err).Msg("consume error")
	}))
	if err != nil {
		return fmt.Errorf("failed to start consuming from '%s': %w", s.cfg.StreamName, err)
	}
	s.consumeCtx = consumeCtx
	s.log.Info().Str("subjects", s.cfg.SubjectPrefix+".>").Msg("consuming fan-out envelopes")
	return nil
}

// Healthy reports whether the NATS connection is up.
func (s *NatsService) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// Close stops consuming and closes the connection.
func (s *NatsService) Close() {
	if s.consumeCtx != nil {
		s.consumeCtx.Stop()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
}

// subject keeps room traffic on per-room subjects and everything else on
// the user subject.
func (s *NatsService) subject(env fanout.Envelope) string {
	if env.RoomID != "" {
		return fmt.Sprintf("%s.room.%s", s.cfg.SubjectPrefix, env.RoomID)
	}
	return fmt.Sprintf("%s.user", s.cfg.SubjectPrefix)
}
