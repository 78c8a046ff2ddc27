// Package walutil backs capability.WAL with a tidwall/wal log. The
// core never persists WAL bytes itself (WAL storage is out of this
// module's scope; Postgres writes the real pg_wal segments) — this
// package exists so the capability can be exercised end-to-end in this
// module's own tests and tooling without a live Postgres instance,
// chunking the byte-addressed LSN space into fixed XLOG_BLCKSZ records
// the way tidwall/wal's index-addressed log expects.
package walutil

import (
	"fmt"
	"sync"

	"github.com/tidwall/wal"

	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/wire"
)

const blockSize = wire.XlogBlockSize

// Store implements capability.WAL over one tidwall/wal.Log. redoStartLsn
// is the LSN the first stored record covers; index 1 of the log always
// corresponds to that block.
type Store struct {
	mu           sync.Mutex
	log          *wal.Log
	redoStartLsn wire.Lsn
	flushRecPtr  wire.Lsn
}

// Open opens (or creates) the log at path. redoStartLsn is the
// getRedoStartLsn() value for this timeline (§4.3); it anchors the
// index<->LSN mapping.
func Open(path string, redoStartLsn wire.Lsn) (*Store, error) {
	l, err := wal.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("walutil: open %s: %w", path, err)
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("walutil: last index: %w", err)
	}
	return &Store{
		log:          l,
		redoStartLsn: redoStartLsn,
		flushRecPtr:  redoStartLsn + wire.Lsn(last)*blockSize,
	}, nil
}

func indexForLsn(lsn, base wire.Lsn) uint64 {
	return uint64((lsn-base)/blockSize) + 1
}

// AllocateReader is a no-op: the log is already open and shared across
// every peer's sendAppendRequests calls.
func (s *Store) AllocateReader(capability.PeerHandle) error { return nil }

// WalRead copies len(dst) bytes starting at start, reassembling
// whole blocks as needed when dst spans a block boundary.
func (s *Store) WalRead(_ capability.PeerHandle, dst []byte, start wire.Lsn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lsn := start
	off := 0
	for off < len(dst) {
		idx := indexForLsn(lsn, s.redoStartLsn)
		rec, err := s.log.Read(idx)
		if err != nil {
			return fmt.Errorf("walutil: read block %d for lsn %d: %w", idx, lsn, err)
		}
		blockOff := int(uint64(lsn-s.redoStartLsn) % blockSize)
		n := copy(dst[off:], rec[blockOff:])
		if n == 0 {
			return fmt.Errorf("walutil: short block %d at lsn %d", idx, lsn)
		}
		off += n
		lsn += wire.Lsn(n)
	}
	return nil
}

// Append writes one full block's worth of WAL at lsn, growing
// flushRecPtr. Used by this module's own bootstrap/test tooling to
// populate a Store standing in for the compute's real WAL; the core
// itself never calls it (WAL production is always the compute's job).
func (s *Store) Append(lsn wire.Lsn, data []byte) error {
	if len(data) != blockSize {
		return fmt.Errorf("walutil: Append requires exactly %d bytes, got %d", blockSize, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexForLsn(lsn, s.redoStartLsn)
	if err := s.log.Write(idx, data); err != nil {
		return fmt.Errorf("walutil: write block %d: %w", idx, err)
	}
	end := lsn + blockSize
	if end > s.flushRecPtr {
		s.flushRecPtr = end
	}
	return nil
}

// RecoveryDownload is the donor-streaming half of recovery (§4.3
// "Basebackup cross-check" / HandleElectedProposer). Nothing is fetched
// from the donor safekeeper: this Store only ever serves bytes it
// already has, so recovery against it succeeds iff the requested range
// is already present.
func (s *Store) RecoveryDownload(_ capability.PeerHandle, _ wire.UUID, start, end wire.Lsn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return end <= s.flushRecPtr && start >= s.redoStartLsn
}

func (s *Store) GetRedoStartLsn() wire.Lsn { return s.redoStartLsn }

func (s *Store) GetFlushRecPtr() wire.Lsn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushRecPtr
}

// Close releases the underlying log.
func (s *Store) Close() error { return s.log.Close() }
