package transport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const inboxBuffer = 256

// NATSConfig holds connection settings for the NATS bus.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS connection configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus implements Bus on core NATS. Core (non-JetStream) semantics match
// the duel channel contract exactly: no persistence, no ordering, at-most-once.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus connects to NATS and returns a bus.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc}, nil
}

// Publish sends data on subject. Failures are returned but callers treat
// them as silent degradation: a lost publish looks like a heartbeat gap to
// the peer, never a user-facing error.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a buffered inbox on subject. Messages that arrive while
// the inbox is full are dropped; the coordinator treats loss like any other
// delivery gap.
func (b *NATSBus) Subscribe(subject string) (<-chan Message, Subscription, error) {
	ch := make(chan Message, inboxBuffer)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- Message{Subject: msg.Subject, Data: msg.Data}:
		default:
			log.Warn().Str("subject", subject).Msg("inbox full, dropping message")
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return ch, &natsSubscription{sub: sub}, nil
}

// Close drains and closes the underlying connection.
func (b *NATSBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
