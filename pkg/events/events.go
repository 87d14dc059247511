// Package events publishes workflow change and execution notifications so
// dashboard sessions can refresh without waiting for their next poll.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher sends a JSON payload on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// NATSPublisher publishes events on a NATS connection under a subject prefix.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the NATS server at url. Subjects are published as prefix.subject.
func Connect(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(
		url,
		nats.Name("dashflow-api"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject joins the publisher prefix and subject.
func (p *NATSPublisher) Subject(subject string) string {
	if p.prefix == "" {
		return subject
	}
	return p.prefix + "." + subject
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(subject), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Handler receives an inbound message. The subject has the prefix removed.
type Handler func(subject string, data []byte)

// Subscribe delivers every message matching prefix.subject to h. The returned
// func cancels the subscription.
func (p *NATSPublisher) Subscribe(subject string, h Handler) (func() error, error) {
	sub, err := p.nc.Subscribe(p.Subject(subject), func(msg *nats.Msg) {
		h(strings.TrimPrefix(msg.Subject, p.prefix+"."), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
