// Package events publishes machine state changes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"fleetwatch/internal/fleet"
)

const (
	SubjectPrefix = "fleetwatch.machines"
	// SubjectAll matches every machine event.
	SubjectAll = SubjectPrefix + ".>"
)

func Subject(kind fleet.EventKind) string {
	return SubjectPrefix + "." + string(kind)
}

// Message is the JSON payload published for each event.
type Message struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name,omitempty"`
	Previous    string    `json:"previous,omitempty"`
	Activity    string    `json:"activity"`
	At          time.Time `json:"at"`
}

func NewMessage(ev fleet.Event) Message {
	return Message{
		ID:          uuid.NewString(),
		Kind:        string(ev.Kind),
		Address:     ev.Address,
		DisplayName: ev.DisplayName,
		Previous:    string(ev.Previous),
		Activity:    string(ev.Activity),
		At:          ev.At.UTC(),
	}
}

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher is a fleet.Notifier. nats.Conn.Publish only buffers, so Notify
// does not block on the network.
type Publisher struct {
	nc     conn
	closer func()
	logger *slog.Logger
}

// drainTimeout bounds how long Close waits for buffered events to flush.
const drainTimeout = 5 * time.Second

// Connect dials url and keeps reconnecting forever in the background.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.Name("fleetwatch-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Publisher{
		nc:     nc,
		logger: logger,
		closer: func() {
			if err := drainAndWait(nc.Drain, nc.Close, closed, drainTimeout); err != nil {
				logger.Warn("nats drain incomplete", "error", err)
			}
		},
	}, nil
}

// drainAndWait starts an asynchronous drain and blocks until the connection
// reports closed. The connection is force-closed if the drain cannot start
// or does not finish within timeout.
func drainAndWait(drain func() error, closeConn func(), closed <-chan struct{}, timeout time.Duration) error {
	if err := drain(); err != nil {
		closeConn()
		return fmt.Errorf("drain: %w", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-closed:
		return nil
	case <-timer.C:
		closeConn()
		return fmt.Errorf("drain did not finish within %s", timeout)
	}
}

func newPublisher(c conn, logger *slog.Logger) *Publisher {
	return &Publisher{nc: c, logger: logger}
}

func (p *Publisher) Notify(_ context.Context, ev fleet.Event) {
	msg := NewMessage(ev)
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encode event", "kind", ev.Kind, "error", err)
		return
	}
	if err := p.nc.Publish(Subject(ev.Kind), data); err != nil {
		p.logger.Warn("publish event failed", "kind", ev.Kind, "address", ev.Address, "error", err)
	}
}

func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}

// Subscribe delivers every machine event on nc to fn. Malformed payloads
// are skipped.
func Subscribe(nc *nats.Conn, fn func(Message)) (*nats.Subscription, error) {
	return nc.Subscribe(SubjectAll, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		fn(msg)
	})
}
