package paxos

import (
	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/wire"
)

// SyncDone reports whether --sync-safekeepers has finished (§4.6's
// "sync-mode exit" condition for Poll/Start).
func (ps *ProposerState) SyncDone() bool {
	return ps.Config.SyncSafekeepers && ps.syncSafekeepersDone
}

// AdvanceAvailableLsnFromProducer is the validation half of §6.4's
// Broadcast: startpos must equal the current availableLsn and endpos
// must not regress it.
func (ps *ProposerState) AdvanceAvailableLsnFromProducer(startpos, endpos uint64) error {
	start := wire.Lsn(startpos)
	end := wire.Lsn(endpos)
	if start != ps.AvailableLsn {
		return &AssertionError{Reason: "Broadcast startpos does not match availableLsn"}
	}
	if end < start {
		return &AssertionError{Reason: "Broadcast endpos precedes startpos"}
	}
	ps.setAvailableLsn(end)
	return nil
}

// PeerIndexByHandle resolves a capability.PeerHandle back to a peer
// index for the scheduler, or -1 if it no longer refers to a live peer
// (a stale readiness event racing a shutdown).
func (ps *ProposerState) PeerIndexByHandle(handle capability.PeerHandle) int {
	for i, p := range ps.Peers {
		if p.Handle == handle && p.State != Offline {
			return i
		}
	}
	return -1
}

// BroadcastHeartbeat is the scheduler-facing name for the same
// (possibly empty) AppendRequest fan-out streaming.go uses internally
// on commit-advance and the sync-mode kick.
func (ps *ProposerState) BroadcastHeartbeat() error {
	return ps.broadcastAppendRequest()
}
