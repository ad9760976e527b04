package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/fleet"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func TestNotifyPublishesJSON(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, slog.New(slog.DiscardHandler))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))

	p.Notify(context.Background(), fleet.Event{
		Kind:        fleet.EventActivityChanged,
		Address:     "10.0.0.5",
		DisplayName: "lab-5",
		Previous:    fleet.ActivityBusy,
		Activity:    fleet.ActivityInactive,
		At:          at,
	})

	if len(fc.msgs) != 1 {
		t.Fatalf("published %d messages", len(fc.msgs))
	}
	if fc.msgs[0].subject != "fleetwatch.machines.activity_changed" {
		t.Fatalf("subject = %q", fc.msgs[0].subject)
	}
	var msg Message
	if err := json.Unmarshal(fc.msgs[0].data, &msg); err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		t.Errorf("ID %q is not a uuid", msg.ID)
	}
	if msg.Address != "10.0.0.5" || msg.Previous != "busy" || msg.Activity != "inactive" {
		t.Errorf("message = %+v", msg)
	}
	if !msg.At.Equal(at) || msg.At.Location() != time.UTC {
		t.Errorf("At = %v, want %v in UTC", msg.At, at)
	}
}

func TestNotifyLogsPublishFailure(t *testing.T) {
	var buf bytes.Buffer
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newPublisher(fc, slog.New(slog.NewTextHandler(&buf, nil)))

	p.Notify(context.Background(), fleet.Event{Kind: fleet.EventProvisioned, Address: "10.0.0.7"})

	if !strings.Contains(buf.String(), "publish event failed") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(fleet.EventRegistered); got != "fleetwatch.machines.registered" {
		t.Fatalf("Subject = %q", got)
	}
	if !strings.HasPrefix(Subject(fleet.EventProvisioned), strings.TrimSuffix(SubjectAll, ">")) {
		t.Fatal("SubjectAll does not cover event subjects")
	}
}

func TestCloseWithoutConnection(t *testing.T) {
	newPublisher(&fakeConn{}, slog.New(slog.DiscardHandler)).Close()
}

func TestDrainAndWaitBlocksUntilClosed(t *testing.T) {
	closed := make(chan struct{})
	flushed := false
	drain := func() error {
		go func() {
			time.Sleep(20 * time.Millisecond)
			flushed = true
			close(closed)
		}()
		return nil
	}
	forced := false
	if err := drainAndWait(drain, func() { forced = true }, closed, time.Second); err != nil {
		t.Fatalf("drainAndWait: %v", err)
	}
	if !flushed {
		t.Fatal("returned before the drain finished")
	}
	if forced {
		t.Fatal("connection force-closed after a clean drain")
	}
}

func TestDrainAndWaitTimesOut(t *testing.T) {
	forced := false
	err := drainAndWait(func() error { return nil }, func() { forced = true }, make(chan struct{}), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !forced {
		t.Fatal("connection not closed after timeout")
	}
}

func TestDrainAndWaitDrainError(t *testing.T) {
	forced := false
	start := time.Now()
	err := drainAndWait(func() error { return errors.New("connection closed") },
		func() { forced = true }, make(chan struct{}), time.Minute)
	if err == nil || !strings.Contains(err.Error(), "connection closed") {
		t.Fatalf("err = %v", err)
	}
	if !forced {
		t.Fatal("connection not closed after drain error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("waited for the drain after it failed to start")
	}
}
