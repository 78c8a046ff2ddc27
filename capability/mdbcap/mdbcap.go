// Package mdbcap implements capability.ShmemState over msackman/gomdb,
// persisting mineLastElectedTerm (§6.3's one cell the concurrency
// boundary allows to cross goroutines) in its own LMDB environment.
//
// The teacher package drives gomdb through gomdb/server's Databases
// wrapper (DB.ReadWriteTransaction, as in paxos/acceptor.go's 2B
// writes) and that wrapper isn't part of this retrieval; mineLastElectedTerm
// is a single cell rather than a transaction log, so this package talks
// to gomdb directly instead. A compare-and-set needs a read and a write
// to behave as one atomic step, which two independent LMDB transactions
// don't give for free, so viney-shih/go-lock's mutex serializes
// CompareAndSetMineLastElectedTerm against itself and against Load.
package mdbcap

import (
	"encoding/binary"
	"fmt"

	mdb "github.com/msackman/gomdb"
	lock "github.com/viney-shih/go-lock"

	"github.com/shanyp/neon/wire"
)

var termKey = []byte("mineLastElectedTerm")

// Store implements capability.ShmemState.
type Store struct {
	mu  lock.RWMutex
	env *mdb.Env
	dbi mdb.DBI
}

// Open opens (creating if necessary) an LMDB environment at path to
// hold the persisted term cell.
func Open(path string) (*Store, error) {
	env, err := mdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("mdbcap: new env: %w", err)
	}
	if err := env.SetMapSize(1 << 20); err != nil {
		return nil, fmt.Errorf("mdbcap: set map size: %w", err)
	}
	if err := env.Open(path, mdb.NOTLS, 0644); err != nil {
		return nil, fmt.Errorf("mdbcap: open %s: %w", path, err)
	}

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		return nil, fmt.Errorf("mdbcap: begin txn: %w", err)
	}
	dbi, err := txn.DBIOpen(nil, mdb.CREATE)
	if err != nil {
		txn.Abort()
		return nil, fmt.Errorf("mdbcap: open dbi: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("mdbcap: commit dbi open: %w", err)
	}

	return &Store{mu: lock.NewCASMutex(), env: env, dbi: dbi}, nil
}

// LoadMineLastElectedTerm returns the persisted term, or 0 if unset.
func (s *Store) LoadMineLastElectedTerm() wire.Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() wire.Term {
	txn, err := s.env.BeginTxn(nil, mdb.RDONLY)
	if err != nil {
		return 0
	}
	defer txn.Abort()
	val, err := txn.Get(s.dbi, termKey)
	if err != nil || len(val) != 8 {
		return 0
	}
	return wire.Term(binary.LittleEndian.Uint64(val))
}

// CompareAndSetMineLastElectedTerm atomically sets the cell to newTerm
// iff it still equals expect.
func (s *Store) CompareAndSetMineLastElectedTerm(expect, newTerm wire.Term) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadLocked() != expect {
		return false
	}

	txn, err := s.env.BeginTxn(nil, 0)
	if err != nil {
		return false
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(newTerm))
	if err := txn.Put(s.dbi, termKey, buf[:], 0); err != nil {
		txn.Abort()
		return false
	}
	return txn.Commit() == nil
}

// Close releases the LMDB environment.
func (s *Store) Close() {
	s.env.Close()
}
