package paxos

import "github.com/shanyp/neon/wire"

// computeStartStreamingAt is the per-peer recovery planner (C4, §4.4):
// it locates the divergence point between propTermHistory and the
// peer's own term history and returns the LSN from which this peer
// should receive WAL.
func (ps *ProposerState) computeStartStreamingAt(p *Peer) (wire.Lsn, error) {
	prop := ps.PropTermHistory
	peer := p.VoteResponse.History

	i := commonPrefixLen(prop, peer) - 1
	for j := 0; j <= i; j++ {
		if prop[j].Lsn != peer[j].Lsn {
			return 0, &AssertionError{Reason: "term histories share a term but disagree on its start lsn"}
		}
	}

	var startAt wire.Lsn
	switch {
	case i < 0:
		startAt = 0
		if len(prop) > 0 {
			startAt = prop[0].Lsn
		}
		if startAt < ps.TruncateLsn {
			startAt = ps.TruncateLsn
		}
	case prop[i].Term == ps.PropTerm:
		startAt = p.VoteResponse.FlushLsn
	default:
		propEnd := prop[i+1].Lsn
		var peerEnd wire.Lsn
		if i+1 < len(peer) {
			peerEnd = peer[i+1].Lsn
		} else {
			peerEnd = p.VoteResponse.FlushLsn
		}
		startAt = min(propEnd, peerEnd)
	}

	if startAt < ps.TruncateLsn || startAt > ps.AvailableLsn {
		return 0, &AssertionError{Reason: "computed startStreamingAt outside [truncateLsn, availableLsn]"}
	}
	return startAt, nil
}

// commonPrefixLen returns the number of leading entries whose terms
// agree between prop and peer; it compares terms only. The lsn
// cross-check over that shared prefix is done by computeStartStreamingAt,
// which returns an AssertionError when a shared term's lsns differ:
//
//	i = smallest index where prop[i].term != peer[i].term,
//	    or min(len(prop), len(peer)) if no mismatch
func commonPrefixLen(prop, peer wire.TermHistory) int {
	n := len(prop)
	if len(peer) < n {
		n = len(peer)
	}
	for i := 0; i < n; i++ {
		if prop[i].Term != peer[i].Term {
			return i
		}
	}
	return n
}

func min(a, b wire.Lsn) wire.Lsn {
	if a < b {
		return a
	}
	return b
}
