package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

// SQLiteStore implements fleet.Store and AccountStore. Timestamps are
// stored as UTC unix nanoseconds.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db}
}

const machineColumns = `address, display_name, active_user, cpu_load, mem_load, session_seconds,
	processes_json, last_seen_ns, activity, created_at_ns`

func machineArgs(rec fleet.MachineRecord) ([]any, error) {
	procs := rec.Processes
	if procs == nil {
		procs = []shared.ProcessSample{}
	}
	procsJSON, err := json.Marshal(procs)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.Address, rec.DisplayName, rec.ActiveUser, rec.CPULoad, rec.MemLoad, rec.SessionSeconds,
		string(procsJSON), rec.LastSeen.UTC().UnixNano(), string(rec.Activity), rec.CreatedAt.UTC().UnixNano(),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (fleet.MachineRecord, error) {
	var (
		rec        fleet.MachineRecord
		procsJSON  string
		lastSeenNs int64
		createdNs  int64
		activity   string
	)
	if err := row.Scan(&rec.Address, &rec.DisplayName, &rec.ActiveUser, &rec.CPULoad, &rec.MemLoad,
		&rec.SessionSeconds, &procsJSON, &lastSeenNs, &activity, &createdNs); err != nil {
		return fleet.MachineRecord{}, err
	}
	if err := json.Unmarshal([]byte(procsJSON), &rec.Processes); err != nil {
		return fleet.MachineRecord{}, fmt.Errorf("decode processes for %s: %w", rec.Address, err)
	}
	if rec.Processes == nil {
		rec.Processes = []shared.ProcessSample{}
	}
	rec.LastSeen = time.Unix(0, lastSeenNs).UTC()
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.Activity = fleet.Activity(activity)
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, address string) (fleet.MachineRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE address = ?`, address)
	rec, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.MachineRecord{}, fleet.ErrNotFound
	}
	return rec, err
}

// Upsert replaces the row in one statement; seq, and with it the listing
// order, survives the update.
func (s *SQLiteStore) Upsert(ctx context.Context, rec fleet.MachineRecord) error {
	args, err := machineArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET
			display_name=excluded.display_name,
			active_user=excluded.active_user,
			cpu_load=excluded.cpu_load,
			mem_load=excluded.mem_load,
			session_seconds=excluded.session_seconds,
			processes_json=excluded.processes_json,
			last_seen_ns=excluded.last_seen_ns,
			activity=excluded.activity,
			created_at_ns=excluded.created_at_ns`,
		args...,
	)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, rec fleet.MachineRecord) error {
	args, err := machineArgs(rec)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(address) DO NOTHING`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fleet.ErrConflict
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]fleet.MachineRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fleet.MachineRecord
	for rows.Next() {
		rec, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, acc Account) error {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO accounts (login, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(login) DO NOTHING`,
		acc.Login, acc.PasswordHash, acc.Role, acc.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountExists
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, login string) (Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT login, password_hash, role, created_at FROM accounts WHERE login = ?`, login)
	var (
		acc     Account
		created int64
	)
	if err := row.Scan(&acc.Login, &acc.PasswordHash, &acc.Role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	acc.CreatedAt = time.Unix(created, 0).UTC()
	return acc, nil
}

func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

// TableCounts reports row counts for fw-dbcheck.
func (s *SQLiteStore) TableCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		// Table names come from sqlite_master, not from user input.
		q := `SELECT COUNT(*) FROM "` + strings.ReplaceAll(t, `"`, `""`) + `"`
		if err := s.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}
