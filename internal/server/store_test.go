package server

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"fleetwatch/internal/clock"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

type machineAccountStore interface {
	fleet.Store
	AccountStore
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "data", "fleetwatch.db"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func openBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("OpenBadgerStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]func(t *testing.T) machineAccountStore {
	return map[string]func(t *testing.T) machineAccountStore{
		"sqlite": func(t *testing.T) machineAccountStore { return openSQLite(t) },
		"badger": func(t *testing.T) machineAccountStore { return openBadger(t) },
		"memory": func(t *testing.T) machineAccountStore {
			return struct {
				*fleet.MemoryStore
				*MemoryAccountStore
			}{fleet.NewMemoryStore(), NewMemoryAccountStore()}
		},
	}
}

func sampleRecord(addr string, lastSeen time.Time) fleet.MachineRecord {
	return fleet.MachineRecord{
		Address:        addr,
		DisplayName:    "lab-" + addr,
		ActiveUser:     "alice",
		CPULoad:        42.5,
		MemLoad:        63.25,
		SessionSeconds: 3600,
		Processes: []shared.ProcessSample{
			{PID: 1, Name: "init", CPU: 0.1, RAM: 0.2},
			{PID: 1, Name: "init", CPU: 0.1, RAM: 0.2},
		},
		LastSeen:  lastSeen,
		Activity:  fleet.ActivityBusy,
		CreatedAt: lastSeen.Add(-time.Hour),
	}
}

func TestStoreBackends(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := s.Get(ctx, "10.0.0.1"); !errors.Is(err, fleet.ErrNotFound) {
				t.Fatalf("Get unknown err = %v", err)
			}

			// nanosecond precision must survive the trip
			tz := time.FixedZone("UTC+3", 3*3600)
			seen := time.Date(2026, 3, 1, 12, 0, 0, 123456789, tz)
			first := sampleRecord("10.0.0.1", seen)
			if err := s.Upsert(ctx, first); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.Upsert(ctx, sampleRecord("10.0.0.2", seen)); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "10.0.0.1")
			if err != nil {
				t.Fatal(err)
			}
			if !got.LastSeen.Equal(seen) {
				t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
			}
			if !reflect.DeepEqual(got.Processes, first.Processes) {
				t.Errorf("Processes = %v", got.Processes)
			}
			if got.Activity != fleet.ActivityBusy || got.ActiveUser != "alice" || got.CPULoad != 42.5 {
				t.Errorf("record = %+v", got)
			}

			// Full replacement keeps insertion order.
			replaced := sampleRecord("10.0.0.1", seen.Add(time.Second))
			replaced.ActiveUser = ""
			replaced.Activity = fleet.ActivityIdle
			replaced.Processes = []shared.ProcessSample{}
			if err := s.Upsert(ctx, replaced); err != nil {
				t.Fatal(err)
			}
			list, err := s.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].Address != "10.0.0.1" || list[1].Address != "10.0.0.2" {
				t.Fatalf("List = %+v", list)
			}
			if list[0].ActiveUser != "" || list[0].Activity != fleet.ActivityIdle || len(list[0].Processes) != 0 {
				t.Fatalf("replacement not applied: %+v", list[0])
			}

			if err := s.Insert(ctx, sampleRecord("10.0.0.1", seen)); !errors.Is(err, fleet.ErrConflict) {
				t.Fatalf("Insert existing err = %v, want ErrConflict", err)
			}
			if err := s.Insert(ctx, sampleRecord("10.0.0.3", seen)); err != nil {
				t.Fatalf("Insert new: %v", err)
			}
			if list, _ := s.List(ctx); len(list) != 3 || list[2].Address != "10.0.0.3" {
				t.Fatalf("List after insert = %+v", list)
			}
		})
	}
}

func TestAccountBackends(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if n, err := s.CountAccounts(ctx); err != nil || n != 0 {
				t.Fatalf("CountAccounts = %d, %v", n, err)
			}
			if err := EnsureAdmin(ctx, s, "admin12345", nil); err != nil {
				t.Fatal(err)
			}
			// second call is a no-op
			if err := EnsureAdmin(ctx, s, "other", nil); err != nil {
				t.Fatal(err)
			}
			if n, _ := s.CountAccounts(ctx); n != 1 {
				t.Fatalf("accounts after seeding = %d", n)
			}

			acc, ok, err := Authenticate(ctx, s, "admin", "admin12345")
			if err != nil || !ok || acc.Role != RoleAdmin {
				t.Fatalf("Authenticate = %+v, %v, %v", acc, ok, err)
			}
			if _, ok, _ := Authenticate(ctx, s, "admin", "other"); ok {
				t.Fatal("second EnsureAdmin replaced the password")
			}

			op, err := NewAccount("ops", "s3cret", "", time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if err := s.CreateAccount(ctx, op); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateAccount(ctx, op); !errors.Is(err, ErrAccountExists) {
				t.Fatalf("duplicate login err = %v", err)
			}
			got, err := s.GetAccount(ctx, "ops")
			if err != nil || got.Role != RoleUser {
				t.Fatalf("GetAccount = %+v, %v", got, err)
			}
			if _, err := s.GetAccount(ctx, "ghost"); !errors.Is(err, ErrAccountNotFound) {
				t.Fatalf("unknown login err = %v", err)
			}
		})
	}
}

func TestNewAccountValidation(t *testing.T) {
	if _, err := NewAccount(" ", "pw", "", time.Now()); err == nil {
		t.Error("blank login accepted")
	}
	if _, err := NewAccount("x", "", "", time.Now()); !errors.Is(err, shared.ErrEmptyPassword) {
		t.Errorf("empty password err = %v", err)
	}
	if _, err := NewAccount("x", "pw", "root", time.Now()); err == nil {
		t.Error("unknown role accepted")
	}
	for _, role := range []string{"", RoleUser, RoleAdmin} {
		acc, err := NewAccount("x", "pw", role, time.Now())
		if err != nil {
			t.Errorf("role %q: %v", role, err)
			continue
		}
		if want := cmp.Or(role, RoleUser); acc.Role != want {
			t.Errorf("role %q stored as %q, want %q", role, acc.Role, want)
		}
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetwatch.db")
	ctx := context.Background()

	db, err := OpenDB(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewSQLiteStore(db).Upsert(ctx, sampleRecord("10.0.0.1", time.Now())); err != nil {
		t.Fatal(err)
	}
	db.Close()

	// migrations must be idempotent across restarts
	db, err = OpenDB(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	counts, err := NewSQLiteStore(db).TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["machines"] != 1 || counts["schema_migrations"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRegistryOverSQLiteRefreshWritesBack(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	fc := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	reg := fleet.NewRegistry(store, fleet.WithClock(fc))

	if _, err := reg.Upsert(ctx, shared.Report{PCName: "lab", IP: "10.0.0.5", User: "alice", CPU: 10}); err != nil {
		t.Fatal(err)
	}
	fc.Advance(time.Minute)
	if _, err := reg.List(ctx); err != nil {
		t.Fatal(err)
	}
	raw, err := store.Get(ctx, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if raw.Activity != fleet.ActivityInactive || raw.CPULoad != 0 || raw.ActiveUser != "alice" {
		t.Fatalf("persisted = %+v", raw)
	}
}
