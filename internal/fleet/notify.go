package fleet

import (
	"context"
	"time"
)

type EventKind string

const (
	// EventRegistered: first report from an address nobody provisioned.
	EventRegistered EventKind = "registered"
	EventProvisioned EventKind = "provisioned"
	// EventActivityChanged fires on Idle/Busy/Inactive transitions, whether
	// observed on a report or on a read-time refresh.
	EventActivityChanged EventKind = "activity_changed"
)

type Event struct {
	Kind        EventKind
	Address     string
	DisplayName string
	Previous    Activity
	Activity    Activity
	At          time.Time
}

// Notifier receives registry events. Notify is called with the address
// lock held, so implementations must not block or call back into the
// Registry.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Notifiers fans an event out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }
