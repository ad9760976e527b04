package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

const (
	machinePrefix = "machine:"
	accountPrefix = "account:"
	seqKey        = "seq:machines"
)

// badgerMachine is the CBOR value stored per machine. Seq fixes the
// listing order at first insert.
type badgerMachine struct {
	Seq            uint64                 `cbor:"1,keyasint"`
	Address        string                 `cbor:"2,keyasint"`
	DisplayName    string                 `cbor:"3,keyasint"`
	ActiveUser     string                 `cbor:"4,keyasint"`
	CPULoad        float64                `cbor:"5,keyasint"`
	MemLoad        float64                `cbor:"6,keyasint"`
	SessionSeconds int64                  `cbor:"7,keyasint"`
	Processes      []shared.ProcessSample `cbor:"8,keyasint"`
	LastSeenNs     int64                  `cbor:"9,keyasint"`
	Activity       string                 `cbor:"10,keyasint"`
	CreatedAtNs    int64                  `cbor:"11,keyasint"`
}

type badgerAccount struct {
	Login        string `cbor:"1,keyasint"`
	PasswordHash string `cbor:"2,keyasint"`
	Role         string `cbor:"3,keyasint"`
	CreatedAt    int64  `cbor:"4,keyasint"`
}

// BadgerStore implements fleet.Store and AccountStore on an embedded
// Badger database.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func machineKey(address string) []byte {
	return []byte(machinePrefix + address)
}

func toBadger(rec fleet.MachineRecord, seq uint64) badgerMachine {
	return badgerMachine{
		Seq:            seq,
		Address:        rec.Address,
		DisplayName:    rec.DisplayName,
		ActiveUser:     rec.ActiveUser,
		CPULoad:        rec.CPULoad,
		MemLoad:        rec.MemLoad,
		SessionSeconds: rec.SessionSeconds,
		Processes:      rec.Processes,
		LastSeenNs:     rec.LastSeen.UTC().UnixNano(),
		Activity:       string(rec.Activity),
		CreatedAtNs:    rec.CreatedAt.UTC().UnixNano(),
	}
}

func (m badgerMachine) record() fleet.MachineRecord {
	procs := m.Processes
	if procs == nil {
		procs = []shared.ProcessSample{}
	}
	return fleet.MachineRecord{
		Address:        m.Address,
		DisplayName:    m.DisplayName,
		ActiveUser:     m.ActiveUser,
		CPULoad:        m.CPULoad,
		MemLoad:        m.MemLoad,
		SessionSeconds: m.SessionSeconds,
		Processes:      procs,
		LastSeen:       time.Unix(0, m.LastSeenNs).UTC(),
		Activity:       fleet.Activity(m.Activity),
		CreatedAt:      time.Unix(0, m.CreatedAtNs).UTC(),
	}
}

func getMachine(txn *badger.Txn, address string) (badgerMachine, error) {
	var out badgerMachine
	item, err := txn.Get(machineKey(address))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return out, fleet.ErrNotFound
		}
		return out, err
	}
	err = item.Value(func(v []byte) error {
		return cbor.Unmarshal(v, &out)
	})
	return out, err
}

func setMachine(txn *badger.Txn, m badgerMachine) error {
	data, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set(machineKey(m.Address), data)
}

func (s *BadgerStore) Get(_ context.Context, address string) (fleet.MachineRecord, error) {
	var rec fleet.MachineRecord
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := getMachine(txn, address)
		if err != nil {
			return err
		}
		rec = m.record()
		return nil
	})
	return rec, err
}

func (s *BadgerStore) Upsert(_ context.Context, rec fleet.MachineRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getMachine(txn, rec.Address)
		var seq uint64
		switch {
		case err == nil:
			seq = prev.Seq
		case errors.Is(err, fleet.ErrNotFound):
			if seq, err = s.seq.Next(); err != nil {
				return err
			}
		default:
			return err
		}
		return setMachine(txn, toBadger(rec, seq))
	})
}

func (s *BadgerStore) Insert(_ context.Context, rec fleet.MachineRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := getMachine(txn, rec.Address)
		if err == nil {
			return fleet.ErrConflict
		}
		if !errors.Is(err, fleet.ErrNotFound) {
			return err
		}
		seq, err := s.seq.Next()
		if err != nil {
			return err
		}
		return setMachine(txn, toBadger(rec, seq))
	})
}

func (s *BadgerStore) List(_ context.Context) ([]fleet.MachineRecord, error) {
	var ms []badgerMachine
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(machinePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m badgerMachine
			if err := it.Item().Value(func(v []byte) error {
				return cbor.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			ms = append(ms, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(ms, func(a, b badgerMachine) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	out := make([]fleet.MachineRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.record())
	}
	return out, nil
}

func (s *BadgerStore) CreateAccount(_ context.Context, acc Account) error {
	key := []byte(accountPrefix + acc.Login)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrAccountExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := cbor.Marshal(badgerAccount{
			Login:        acc.Login,
			PasswordHash: acc.PasswordHash,
			Role:         acc.Role,
			CreatedAt:    acc.CreatedAt.UTC().Unix(),
		})
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) GetAccount(_ context.Context, login string) (Account, error) {
	var ba badgerAccount
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(accountPrefix + login))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &ba)
		})
	})
	if err != nil {
		return Account{}, err
	}
	return Account{
		Login:        ba.Login,
		PasswordHash: ba.PasswordHash,
		Role:         ba.Role,
		CreatedAt:    time.Unix(ba.CreatedAt, 0).UTC(),
	}, nil
}

func (s *BadgerStore) CountAccounts(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(accountPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
