// Package notify publishes an event for every archived object.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one stored object.
type Event struct {
	TransferID       string    `json:"transferId"`
	Project          string    `json:"project"`
	Subject          string    `json:"subject"`
	Session          string    `json:"session"`
	Key              string    `json:"key"`
	SOPClassUID      string    `json:"sopClassUid"`
	SOPInstanceUID   string    `json:"sopInstanceUid"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	Port             int       `json:"port"`
	CustomProcessing bool      `json:"customProcessing"`
	DirectArchive    bool      `json:"directArchive"`
	Anonymize        bool      `json:"anonymize"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON on "<prefix>.<receiver AE title>".
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "dicom.received"
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "notify"),
	}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "notify")
	conn, err := nats.Connect(url,
		nats.Name("dicomscp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewNATSPublisher(conn, prefix, logger), nil
}

// Subject returns the subject events of aeTitle are published on.
func (p *NATSPublisher) Subject(aeTitle string) string {
	return p.prefix + "." + subjectToken(aeTitle)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := p.Subject(ev.Receiver)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Published receive event", "subject", subject, "transfer_id", ev.TransferID)
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// subjectToken replaces characters NATS treats specially.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r <= ' ', r == 0x7f:
			return '_'
		}
		return r
	}, s)
}
