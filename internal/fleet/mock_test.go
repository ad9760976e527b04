package fleet

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeProber records calls and answers with a fixed result.
type fakeProber struct {
	mu        sync.Mutex
	reachable bool
	delay     time.Duration
	calls     []string
}

func (p *fakeProber) Probe(ctx context.Context, address string) bool {
	p.mu.Lock()
	p.calls = append(p.calls, address)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return false
		}
	}
	return p.reachable
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// recordingNotifier keeps every event it sees.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventKind, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingUpsertStore wraps a MemoryStore and fails Upsert on demand.
type failingUpsertStore struct {
	*MemoryStore
	failUpsert bool
	upserts    int
}

func (s *failingUpsertStore) Upsert(ctx context.Context, rec MachineRecord) error {
	s.upserts++
	if s.failUpsert {
		return errors.New("disk full")
	}
	return s.MemoryStore.Upsert(ctx, rec)
}
