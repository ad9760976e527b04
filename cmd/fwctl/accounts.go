package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetwatch/internal/server"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage console accounts directly in the server store",
	}
	cmd.AddCommand(newAccountsCreateCmd())
	return cmd
}

func newAccountsCreateCmd() *cobra.Command {
	var (
		dbPath, badgerPath    string
		login, password, role string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a console account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acc, err := server.NewAccount(login, password, role, time.Now())
			if err != nil {
				return err
			}
			store, closeStore, err := openAccounts(dbPath, badgerPath)
			if err != nil {
				return err
			}
			defer closeStore()

			err = store.CreateAccount(cmd.Context(), acc)
			if errors.Is(err, server.ErrAccountExists) {
				return fmt.Errorf("login %q already exists", acc.Login)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s account %q\n", acc.Role, acc.Login)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOr("FW_DB_PATH", "./data/fleetwatch.db"), "SQLite database path")
	cmd.Flags().StringVar(&badgerPath, "badger", "", "Badger directory (overrides --db)")
	cmd.Flags().StringVar(&login, "login", "", "account login")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&role, "role", server.RoleUser, "admin or user")
	_ = cmd.MarkFlagRequired("login")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func openAccounts(dbPath, badgerPath string) (server.AccountStore, func(), error) {
	if badgerPath != "" {
		s, err := server.OpenBadgerStore(badgerPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	db, err := server.OpenDB(dbPath, nil)
	if err != nil {
		return nil, nil, err
	}
	return server.NewSQLiteStore(db), func() { _ = db.Close() }, nil
}
