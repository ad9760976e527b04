package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/clock"
	"fleetwatch/internal/shared"
)

// DefaultProbeTimeout bounds a single reachability probe during provisioning.
const DefaultProbeTimeout = 3 * time.Second

// Prober answers whether an address is reachable. A probe that runs past
// the context deadline must report false.
type Prober interface {
	Probe(ctx context.Context, address string) bool
}

// Registry is the authoritative machine directory. Build one at startup and
// hand it to every transport; it holds no global state.
type Registry struct {
	store        Store
	prober       Prober
	clock        clock.Clock
	timeout      time.Duration
	probeTimeout time.Duration
	notifier     Notifier
	logger       *slog.Logger

	// per-address mutexes, *sync.Mutex values
	locks sync.Map
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithLivenessTimeout sets how long a machine may stay silent before it is
// considered Inactive. Non-positive values keep the default.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithProber(p Prober) Option { return func(r *Registry) { r.prober = p } }

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notifier = n } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:        store,
		clock:        clock.Real(),
		timeout:      DefaultLivenessTimeout,
		probeTimeout: DefaultProbeTimeout,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) LivenessTimeout() time.Duration { return r.timeout }

// lock serialises read-modify-write cycles on one address.
func (r *Registry) lock(address string) func() {
	v, _ := r.locks.LoadOrStore(address, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) notify(ctx context.Context, ev Event) {
	if r.notifier != nil {
		r.notifier.Notify(ctx, ev)
	}
}

// Upsert applies a report: the record for rep.IP is created or entirely
// replaced, stamped with the current UTC time, and marked Busy or Idle.
func (r *Registry) Upsert(ctx context.Context, rep shared.Report) (MachineRecord, error) {
	if err := ValidateReport(rep); err != nil {
		return MachineRecord{}, err
	}
	addr := normalizeAddress(rep.IP)

	unlock := r.lock(addr)
	defer unlock()

	now := r.clock.Now().UTC()
	createdAt := now
	known := false
	var previous Activity

	prev, err := r.store.Get(ctx, addr)
	switch {
	case err == nil:
		known = true
		previous = Refresh(prev, now, r.timeout).Activity
		if !prev.CreatedAt.IsZero() {
			createdAt = prev.CreatedAt
		}
	case errors.Is(err, ErrNotFound):
	default:
		return MachineRecord{}, fmt.Errorf("load %s: %w", addr, err)
	}

	rec := recordFromReport(rep, addr, now, createdAt)
	if err := r.store.Upsert(ctx, rec); err != nil {
		return MachineRecord{}, fmt.Errorf("store %s: %w", addr, err)
	}

	switch {
	case !known:
		r.logger.Info("machine registered by report", "address", addr, "name", rec.DisplayName)
		r.notify(ctx, Event{Kind: EventRegistered, Address: addr, DisplayName: rec.DisplayName, Activity: rec.Activity, At: now})
	case previous != rec.Activity:
		r.notify(ctx, Event{Kind: EventActivityChanged, Address: addr, DisplayName: rec.DisplayName, Previous: previous, Activity: rec.Activity, At: now})
	}
	return rec.Clone(), nil
}

// Get returns the refreshed record for address.
func (r *Registry) Get(ctx context.Context, address string) (MachineRecord, error) {
	addr := normalizeAddress(address)
	if addr == "" {
		return MachineRecord{}, ErrNotFound
	}
	// Unknown addresses must not allocate a lock entry.
	if _, err := r.store.Get(ctx, addr); err != nil {
		return MachineRecord{}, err
	}
	unlock := r.lock(addr)
	defer unlock()
	return r.refreshLocked(ctx, addr)
}

// refreshLocked re-reads the record, derives its current state and writes
// the cache back when it changed. Caller holds the address lock.
func (r *Registry) refreshLocked(ctx context.Context, addr string) (MachineRecord, error) {
	stored, err := r.store.Get(ctx, addr)
	if err != nil {
		return MachineRecord{}, err
	}
	now := r.clock.Now()
	fresh := Refresh(stored, now, r.timeout)
	if !needsWriteBack(stored, fresh) {
		return fresh, nil
	}
	if err := r.store.Upsert(ctx, fresh); err != nil {
		// The cache is not authoritative; serve the derived state anyway.
		r.logger.Warn("liveness write-back failed", "address", addr, "error", err)
	}
	if stored.Activity != fresh.Activity {
		if fresh.Activity == ActivityInactive {
			r.logger.Info("machine went inactive", "address", addr, "last_seen", stored.LastSeen, "timeout", r.timeout)
		}
		r.notify(ctx, Event{
			Kind:        EventActivityChanged,
			Address:     addr,
			DisplayName: fresh.DisplayName,
			Previous:    stored.Activity,
			Activity:    fresh.Activity,
			At:          now.UTC(),
		})
	}
	return fresh, nil
}

// List returns every record, refreshed, in insertion order.
func (r *Registry) List(ctx context.Context) ([]MachineRecord, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	out := make([]MachineRecord, 0, len(recs))
	for _, rec := range recs {
		fresh := Refresh(rec, now, r.timeout)
		if needsWriteBack(rec, fresh) {
			unlock := r.lock(rec.Address)
			fresh, err = r.refreshLocked(ctx, rec.Address)
			unlock()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		out = append(out, fresh)
	}
	return out, nil
}

func (r *Registry) Exists(ctx context.Context, address string) (bool, error) {
	_, err := r.store.Get(ctx, normalizeAddress(address))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FindByUser returns the live machine on which user is logged in. Inactive
// machines never match even if their stored ActiveUser still names user.
// When several live machines report the same user the most recently seen
// one wins.
func (r *Registry) FindByUser(ctx context.Context, user string) (MachineRecord, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return MachineRecord{}, ErrNotFound
	}
	recs, err := r.List(ctx)
	if err != nil {
		return MachineRecord{}, err
	}
	var (
		best  MachineRecord
		found bool
	)
	for _, rec := range recs {
		if rec.DiscoverableUser() != user {
			continue
		}
		if !found || rec.LastSeen.After(best.LastSeen) {
			best, found = rec, true
		}
	}
	if !found {
		return MachineRecord{}, ErrNotFound
	}
	return best, nil
}

// Provision registers a machine ahead of its first report. The address must
// be unused and must answer the probe within the probe timeout; on any
// failure nothing is stored.
func (r *Registry) Provision(ctx context.Context, name, address string) (MachineRecord, error) {
	name = strings.TrimSpace(name)
	addr := normalizeAddress(address)
	if name == "" {
		return MachineRecord{}, invalid("pc_name", "required")
	}
	if addr == "" {
		return MachineRecord{}, invalid("ip", "required")
	}
	if strings.ContainsAny(addr, " \t\r\n/") {
		return MachineRecord{}, invalid("ip", "must be a bare host address")
	}

	exists, err := r.Exists(ctx, addr)
	if err != nil {
		return MachineRecord{}, err
	}
	if exists {
		return MachineRecord{}, ErrConflict
	}

	if !r.probe(ctx, addr) {
		r.logger.Info("provisioning rejected, host unreachable", "address", addr, "timeout", r.probeTimeout)
		return MachineRecord{}, ErrUnreachable
	}

	unlock := r.lock(addr)
	defer unlock()

	now := r.clock.Now().UTC()
	rec := MachineRecord{
		Address:     addr,
		DisplayName: name,
		Processes:   []shared.ProcessSample{},
		LastSeen:    now,
		Activity:    ActivityIdle,
		CreatedAt:   now,
	}
	// Insert re-checks uniqueness: a report may have registered the
	// address while the probe was running.
	if err := r.store.Insert(ctx, rec); err != nil {
		return MachineRecord{}, err
	}
	r.logger.Info("machine provisioned", "address", addr, "name", name)
	r.notify(ctx, Event{Kind: EventProvisioned, Address: addr, DisplayName: name, Activity: rec.Activity, At: now})
	return rec.Clone(), nil
}

func (r *Registry) probe(ctx context.Context, addr string) bool {
	if r.prober == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- r.prober.Probe(pctx, addr) }()
	select {
	case ok := <-done:
		return ok && pctx.Err() == nil
	case <-pctx.Done():
		return false
	}
}
