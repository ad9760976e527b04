package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/server"
)

func TestRunMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data", "fleetwatch.db")

	var out bytes.Buffer
	err := run(path, &out)
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("database file created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("data directory created: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunDirectory(t *testing.T) {
	if err := run(t.TempDir(), &bytes.Buffer{}); err == nil {
		t.Fatal("directory accepted as a database")
	}
}

func TestRunPrintsCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetwatch.db")
	db, err := server.OpenDB(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store := server.NewSQLiteStore(db)
	now := time.Now()
	if err := store.Upsert(ctx, fleet.MachineRecord{Address: "10.0.0.1", LastSeen: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := server.EnsureAdmin(ctx, store, "admin12345", nil); err != nil {
		t.Fatal(err)
	}
	db.Close()

	var out bytes.Buffer
	if err := run(path, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"Database: " + path, "Machines: 1", "Accounts: 1", "machines"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
