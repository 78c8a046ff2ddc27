// Package capability defines the narrow facade (§6.2) through which the
// core touches the outside world: sockets, the clock, the event
// multiplexer, WAL storage, randomness and the cross-process
// "last elected term" cell. The core never reaches past this facade —
// goshawkdb's paxos package makes the analogous cut with
// connectionmanager.ConnectionManager and db.Databases as narrow,
// swappable interfaces instead of concrete types.
package capability

import (
	"time"

	"github.com/shanyp/neon/wire"
)

// PeerHandle is an opaque reference to one configured safekeeper,
// valid for the lifetime of one connection attempt. Capabilities key
// their internal socket/buffer state off of it.
type PeerHandle int

// Clock is the wall clock the core consults; production wraps time.Now,
// tests substitute a controllable fake.
type Clock interface {
	Now() time.Time
}

// EventKind is the poll result discriminant returned by Multiplexer.Wait.
type EventKind int

const (
	EventNone EventKind = iota
	EventTimeout
	EventLatch // new WAL available
	EventSocket
)

// EventMask is a bitset of readiness conditions a peer's socket can be
// registered for.
type EventMask uint8

const (
	EventReadable EventMask = 1 << iota
	EventWritable
)

// WaitResult is what Multiplexer.Wait hands back to the scheduler.
type WaitResult struct {
	Kind   EventKind
	Peer   PeerHandle
	Events EventMask
}

// Multiplexer is the event-loop readiness source (C6). One instance per
// process; peers register/deregister interest as their FSM state changes.
type Multiplexer interface {
	InitSet() error
	FreeSet()
	AddPeer(peer PeerHandle, mask EventMask) error
	UpdatePeer(peer PeerHandle, mask EventMask) error
	RemovePeer(peer PeerHandle)
	// Wait blocks up to timeout (negative disables the deadline) and
	// returns the next readiness event, a timeout, or a "new WAL" latch.
	Wait(timeout time.Duration) (WaitResult, error)
	// SignalLatch wakes a concurrent Wait with EventLatch (§6.3
	// "the WAL producer may atomically publish a new availableLsn via
	// the multiplexer's latch channel"). Safe to call from any
	// goroutine; the core itself never calls it.
	SignalLatch() error
}

// ConnectPollResult is the non-blocking connect() poll outcome.
type ConnectPollResult int

const (
	ConnectOK ConnectPollResult = iota
	ConnectNeedsRead
	ConnectNeedsWrite
	ConnectFailed
)

// QueryResult is the outcome of polling for the START_WAL_PUSH query
// result (the CopyBoth upgrade).
type QueryResult int

const (
	QueryCopyBothReady QueryResult = iota
	QueryNeedsInput
	QueryFailed
	QueryUnexpectedSuccess
)

// WriteResult is the non-blocking async write outcome.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteFlushNeeded
	WriteFailed
)

// FlushResult is the outcome of draining a previously-partial write.
type FlushResult int

const (
	FlushDone FlushResult = iota
	FlushPending
	FlushFailed
)

// ReadResult is the non-blocking async read outcome.
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadAgain
	ReadFailed
)

// Connection is the per-peer socket capability (§6.2 "Connection").
type Connection interface {
	ConnectStart(peer PeerHandle, host string, port int) error
	ConnectPoll(peer PeerHandle) ConnectPollResult
	SendQuery(peer PeerHandle, query string) error
	GetQueryResult(peer PeerHandle) QueryResult
	AsyncRead(peer PeerHandle) (ReadResult, []byte)
	AsyncWrite(peer PeerHandle, data []byte) WriteResult
	// BlockingWrite is reserved for the two small handshake messages
	// (Greeting, VoteRequest) the spec allows to block, bounded to MTU.
	BlockingWrite(peer PeerHandle, data []byte) bool
	Flush(peer PeerHandle) FlushResult
	Finish(peer PeerHandle)
	ErrorMessage(peer PeerHandle) string
}

// WAL is the local WAL-reading capability; this module never persists
// WAL bytes itself (§1 Out of scope).
type WAL interface {
	AllocateReader(peer PeerHandle) error
	// WalRead copies len(dst) bytes starting at start into dst.
	WalRead(peer PeerHandle, dst []byte, start wire.Lsn) error
	RecoveryDownload(donor PeerHandle, timeline wire.UUID, start, end wire.Lsn) bool
	GetRedoStartLsn() wire.Lsn
	GetFlushRecPtr() wire.Lsn
}

// ShmemState is the cross-process shared state the core consults; the
// only member the protocol requires is the persisted last-elected term.
type ShmemState interface {
	// LoadMineLastElectedTerm returns the persisted term, or 0 if unset.
	LoadMineLastElectedTerm() wire.Term
	// CompareAndSetMineLastElectedTerm atomically sets the cell to newTerm
	// iff it still equals expect; used so a restarting proposer can tell
	// whether it, specifically, was last elected.
	CompareAndSetMineLastElectedTerm(expect, newTerm wire.Term) bool
}

// Rand is the randomness capability (strongRandom in §6.2).
type Rand interface {
	StrongRandom(dst []byte) error
}

// Hooks are the event-loop/lifecycle callbacks back into the producer.
type Hooks interface {
	// StartStreaming never returns in the production implementation; it
	// transfers control to the producer that calls Broadcast/Poll. The
	// Go port returns normally so Start() can keep driving the loop.
	StartStreaming(startLsn wire.Lsn)
	// FinishSyncSafekeepers never returns in the production
	// implementation (process exits with lsn on stdout); the Go port
	// returns, the proposer marks sync mode done, and sched's Poll/Start
	// return to their caller.
	FinishSyncSafekeepers(lsn wire.Lsn)
	ProcessSafekeeperFeedback(commitLsn wire.Lsn)
	ConfirmWalStreamed(truncateLsn wire.Lsn)
	AfterElection()
	LogInternal(level string, line string)
}

// Facade bundles every capability the core depends on (§6.2, §9).
type Facade struct {
	Clock       Clock
	Multiplexer Multiplexer
	Connection  Connection
	WAL         WAL
	Shmem       ShmemState
	Rand        Rand
	Hooks       Hooks
}
