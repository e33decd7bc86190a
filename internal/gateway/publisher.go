// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/fleetpulse/internal/config"
	"github.com/tomtom215/fleetpulse/internal/logging"
)

// natsOptions configures reconnection and logs connection events.
func natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("fleetpulse-gateway"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.ReconnectBufSize(8 * 1024 * 1024),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}

// NewNATSPublisher creates a watermill publisher for url. With JetStream
// enabled the stream covering cfg.Subject must exist; see EnsureStream.
func NewNATSPublisher(url string, cfg config.GatewayConfig) (message.Publisher, error) {
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())

	wmConfig := wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOptions(),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      !cfg.JetStream,
			AutoProvision: false,
			TrackMsgId:    cfg.JetStream,
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return pub, nil
}

// StreamName derives the JetStream stream name from a subject, e.g.
// fleet.locations becomes FLEET_LOCATIONS.
func StreamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "ALL", ">", "REST")
	return strings.ToUpper(r.Replace(subject))
}

// EnsureStream creates the stream for cfg.Subject, or updates it when it
// already exists.
func EnsureStream(ctx context.Context, url string, cfg config.GatewayConfig) error {
	nc, err := natsgo.Connect(url, natsgo.Name("fleetpulse-stream-init"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:       StreamName(cfg.Subject),
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	_, err = js.Stream(ctx, streamCfg.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
		}
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", streamCfg.Name, err)
		}
	default:
		return fmt.Errorf("check stream %s: %w", streamCfg.Name, err)
	}

	logging.Info().Str("stream", streamCfg.Name).Str("subject", cfg.Subject).Msg("JetStream stream ready")
	return nil
}
