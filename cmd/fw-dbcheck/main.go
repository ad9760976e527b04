package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"

	"github.com/spf13/pflag"

	"fleetwatch/internal/server"
)

func main() {
	defaultPath := os.Getenv("FW_DB_PATH")
	if defaultPath == "" {
		defaultPath = "./data/fleetwatch.db"
	}
	dbPath := pflag.String("db", defaultPath, "path to the fw-server SQLite database")
	pflag.Parse()

	if err := run(*dbPath, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run prints table counts for an existing database. It never creates one.
func run(dbPath string, out io.Writer) error {
	info, err := os.Stat(dbPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("database %s does not exist", dbPath)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", dbPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a database", dbPath)
	}

	db, err := server.OpenDB(dbPath, nil)
	if err != nil {
		return fmt.Errorf("OpenDB failed: %w", err)
	}
	defer db.Close()

	counts, err := server.NewSQLiteStore(db).TableCounts(context.Background())
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprintln(out, "Database:", dbPath)
	fmt.Fprintln(out, "Tables:")
	for _, name := range names {
		fmt.Fprintf(out, " - %-20s %d rows\n", name, counts[name])
	}
	fmt.Fprintln(out, "Machines:", counts["machines"])
	fmt.Fprintln(out, "Accounts:", counts["accounts"])
	return nil
}
