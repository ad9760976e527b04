package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/shared"
)

const (
	RoleAdmin = "admin"
	// RoleUser accounts see only their own session.
	RoleUser = "user"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

type Account struct {
	Login        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// AccountStore keeps console accounts. Logins are unique.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc Account) error
	GetAccount(ctx context.Context, login string) (Account, error)
	CountAccounts(ctx context.Context) (int, error)
}

// NewAccount validates login and role and hashes password.
func NewAccount(login, password, role string, now time.Time) (Account, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return Account{}, errors.New("login is required")
	}
	switch role {
	case "":
		role = RoleUser
	case RoleAdmin, RoleUser:
	default:
		return Account{}, fmt.Errorf("unknown role %q", role)
	}
	hash, err := shared.HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	return Account{Login: login, PasswordHash: hash, Role: role, CreatedAt: now.UTC()}, nil
}

// EnsureAdmin creates the admin account when the store holds no account
// at all.
func EnsureAdmin(ctx context.Context, accounts AccountStore, password string, logger *slog.Logger) error {
	n, err := accounts.CountAccounts(ctx)
	if err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	if n > 0 {
		return nil
	}
	acc, err := NewAccount("admin", password, RoleAdmin, time.Now())
	if err != nil {
		return fmt.Errorf("admin account: %w", err)
	}
	if err := accounts.CreateAccount(ctx, acc); err != nil && !errors.Is(err, ErrAccountExists) {
		return fmt.Errorf("create admin account: %w", err)
	}
	if logger != nil {
		logger.Warn("created default admin account; change its password", "login", acc.Login)
	}
	return nil
}

// Authenticate returns the account if password matches.
func Authenticate(ctx context.Context, accounts AccountStore, login, password string) (Account, bool, error) {
	acc, err := accounts.GetAccount(ctx, strings.TrimSpace(login))
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, err
	}
	if !shared.CheckPassword(acc.PasswordHash, password) {
		return Account{}, false, nil
	}
	return acc, true, nil
}

// MemoryAccountStore backs the memory store backend.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: map[string]Account{}}
}

func (s *MemoryAccountStore) CreateAccount(_ context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.Login]; ok {
		return ErrAccountExists
	}
	s.accounts[acc.Login] = acc
	return nil
}

func (s *MemoryAccountStore) GetAccount(_ context.Context, login string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[login]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (s *MemoryAccountStore) CountAccounts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}
