package paxos

import (
	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/wire"
)

// Postgres page header sizes, used by skipXLogPageHeader (§4.3
// "Basebackup cross-check"). These are the well-known constants from
// PostgreSQL's xlog_internal.h (SizeOfXLogShortPHD, SizeOfXLogLongPHD);
// the proposer core never parses WAL itself but does need them to
// reproduce this one offset computation.
const (
	sizeOfXLogShortPHD = 24
	sizeOfXLogLongPHD  = 40
)

func skipXLogPageHeader(lsn wire.Lsn, walSegSize uint32) wire.Lsn {
	if walSegSize != 0 && uint64(lsn)%uint64(walSegSize) == 0 {
		return lsn + sizeOfXLogLongPHD
	}
	if uint64(lsn)%wire.XlogBlockSize == 0 {
		return lsn + sizeOfXLogShortPHD
	}
	return lsn
}

// sendVoteRequest transitions a VOTING peer to WAIT_VERDICT by sending
// the (bounded, blocking-allowed) VoteRequest.
func (ps *ProposerState) sendVoteRequest(p *Peer) {
	buf := wire.EncodeVoteRequest(nil, ps.VoteReq)
	if !ps.Facade.Connection.BlockingWrite(p.Handle, buf) {
		ps.ShutdownConnection(p)
		return
	}
	p.State = WaitVerdict
	ps.registerEvents(p)
}

// onGreeting is C3's "Collecting greetings" (§4.3).
func (ps *ProposerState) onGreeting(p *Peer, g wire.AcceptorGreeting) error {
	if p.GreetedThisConnection {
		return nil
	}
	p.GreetedThisConnection = true
	ps.NConnected++
	if ps.Stats != nil {
		ps.Stats.ConnectedPeer.Set(float64(ps.NConnected))
	}

	if ps.elected || ps.quorumOfGreetingsReached() {
		if g.Term > ps.PropTerm {
			return fatalf("safekeeper %d greeted with term %d, higher than our term %d, after quorum was already reached", p.Index, g.Term, ps.PropTerm)
		}
		p.State = Voting
		ps.registerEvents(p)
		ps.sendVoteRequest(p)
		return nil
	}

	if g.Term > ps.PropTerm {
		ps.PropTerm = g.Term
	}
	p.State = Voting
	ps.registerEvents(p)

	if ps.NConnected == ps.Quorum {
		ps.PropTerm++
		ps.VoteReq = wire.VoteRequest{Term: ps.PropTerm, ProposerUUID: ps.GreetRequest.ProposerUUID}
		if ps.Stats != nil {
			ps.Stats.PropTerm.Set(float64(ps.PropTerm))
			ps.Stats.Elections.Inc()
		}
		for _, peer := range ps.Peers {
			if peer.State == Voting {
				ps.sendVoteRequest(peer)
			}
		}
	}
	return nil
}

// quorumOfGreetingsReached reports whether the quorum-reached decision
// has already been made, independent of whether the election itself
// has finished (a late greeting can arrive between quorum-of-greetings
// and quorum-of-votes).
func (ps *ProposerState) quorumOfGreetingsReached() bool {
	return ps.NConnected >= ps.Quorum && ps.VoteReq.Term != 0
}

// onVote is C3's "Counting votes" (§4.3).
func (ps *ProposerState) onVote(p *Peer, resp wire.VoteResponse) error {
	if resp.VoteGiven == 0 {
		if resp.Term > ps.PropTerm || ps.NVotes < ps.Quorum {
			return fatalf("safekeeper %d rejected our vote request (term=%d, ourTerm=%d, nVotes=%d, quorum=%d)", p.Index, resp.Term, ps.PropTerm, ps.NVotes, ps.Quorum)
		}
		ps.peerLogger(p).Log("msg", "vote rejected after quorum already reached", "term", resp.Term)
		p.State = Idle
		ps.registerEvents(p)
		return nil
	}

	if resp.Term != ps.PropTerm {
		return &AssertionError{Reason: "vote response term does not match proposer term"}
	}

	ps.NVotes++
	if ps.Stats != nil {
		ps.Stats.VotesGauge.Set(float64(ps.NVotes))
	}

	switch {
	case ps.NVotes < ps.Quorum:
		p.State = Idle
		ps.registerEvents(p)
		return nil
	case ps.NVotes == ps.Quorum:
		p.State = Idle
		ps.registerEvents(p)
		if err := ps.determineEpochStartLsn(); err != nil {
			return err
		}
		return ps.handleElectedProposer()
	default:
		return ps.sendProposerElected(p)
	}
}

// determineEpochStartLsn is §4.3's DetermineEpochStartLsn.
func (ps *ProposerState) determineEpochStartLsn() error {
	ps.Donor = -1
	var bestEpoch wire.Term
	var bestFlush wire.Lsn
	var truncateLsn wire.Lsn
	var timelineStart wire.Lsn
	haveTimelineStart := false
	disagreement := false

	for _, p := range ps.Peers {
		if p.State != Idle || !p.HasVoteResponse {
			continue
		}
		vr := p.VoteResponse
		epoch := vr.History.Highest()
		if ps.Donor == -1 || epoch > bestEpoch || (epoch == bestEpoch && vr.FlushLsn > bestFlush) {
			bestEpoch = epoch
			bestFlush = vr.FlushLsn
			ps.Donor = p.Index
		}
		if vr.TruncateLsn > truncateLsn {
			truncateLsn = vr.TruncateLsn
		}
		if vr.TimelineStartLsn != wire.Invalid {
			if haveTimelineStart && timelineStart != vr.TimelineStartLsn {
				disagreement = true
			}
			timelineStart = vr.TimelineStartLsn
			haveTimelineStart = true
		}
	}
	if ps.Donor == -1 {
		return &AssertionError{Reason: "no idle peer available for donor selection at quorum"}
	}
	if disagreement {
		ps.Facade.Hooks.LogInternal("warn", "timelineStartLsn disagreement across safekeepers; adopting the latest value seen")
	}

	ps.TruncateLsn = truncateLsn
	ps.DonorEpoch = bestEpoch
	donor := ps.Peers[ps.Donor]
	ps.PropEpochStartLsn = donor.VoteResponse.FlushLsn
	ps.TimelineStartLsn = timelineStart

	if ps.PropEpochStartLsn == wire.Invalid && !ps.Config.SyncSafekeepers {
		redo := ps.Facade.WAL.GetRedoStartLsn()
		ps.PropEpochStartLsn = redo
		ps.TruncateLsn = redo
		ps.TimelineStartLsn = redo
	}

	ps.setAvailableLsn(ps.PropEpochStartLsn)
	ps.PropTermHistory = donor.VoteResponse.History.WithEntry(wire.TermSwitchEntry{Term: ps.PropTerm, Lsn: ps.PropEpochStartLsn})

	if ps.Stats != nil {
		ps.Stats.TruncateLsn.Set(float64(ps.TruncateLsn))
	}

	if ps.Config.SyncSafekeepers {
		return nil
	}
	return ps.basebackupCrossCheck(donor)
}

// basebackupCrossCheck implements §4.3's "Basebackup cross-check",
// streaming mode only.
func (ps *ProposerState) basebackupCrossCheck(donor *Peer) error {
	corrected := skipXLogPageHeader(ps.PropEpochStartLsn, ps.Config.WalSegmentSize)
	redo := ps.Facade.WAL.GetRedoStartLsn()
	if corrected != redo {
		lastDonorTerm := donor.VoteResponse.History.Highest()
		mine := ps.Facade.Shmem.LoadMineLastElectedTerm()
		if lastDonorTerm != mine {
			return fatalf("basebackup LSN %d (corrected %d) disagrees with consensus redo start %d, and donor's last term %d is not ours (%d)",
				ps.PropEpochStartLsn, corrected, redo, lastDonorTerm, mine)
		}
	}
	prev := ps.Facade.Shmem.LoadMineLastElectedTerm()
	ps.Facade.Shmem.CompareAndSetMineLastElectedTerm(prev, ps.PropTerm)
	return nil
}

// handleElectedProposer is §4.3's HandleElectedProposer.
func (ps *ProposerState) handleElectedProposer() error {
	ps.elected = true

	recoveryNeeded := ps.TruncateLsn < ps.PropEpochStartLsn
	if recoveryNeeded {
		donorHandle := capability.PeerHandle(-1)
		if ps.Donor >= 0 {
			donorHandle = ps.Peers[ps.Donor].Handle
		}
		if !ps.Facade.WAL.RecoveryDownload(donorHandle, ps.Config.Timeline, ps.TruncateLsn, ps.PropEpochStartLsn) {
			return fatalf("recovery download from donor (safekeeper %d) failed for range [%d, %d)", ps.Donor, ps.TruncateLsn, ps.PropEpochStartLsn)
		}
	}

	if ps.Config.SyncSafekeepers && !recoveryNeeded {
		ps.Facade.Hooks.FinishSyncSafekeepers(ps.PropEpochStartLsn)
		ps.syncSafekeepersDone = true
		return nil
	}

	ps.Facade.Hooks.AfterElection()

	for _, peer := range ps.Peers {
		if peer.State == Idle {
			if err := ps.sendProposerElected(peer); err != nil {
				return err
			}
		}
	}

	if ps.Config.SyncSafekeepers {
		return ps.broadcastAppendRequest()
	}

	// Process-wide, call-once notification that streaming has begun, as
	// opposed to the per-peer ACTIVE transition in enterActive: matches
	// the original's single wp->api.start_streaming(wp, propEpochStartLsn)
	// call site sitting outside the per-safekeeper SendProposerElected.
	ps.Facade.Hooks.StartStreaming(ps.PropEpochStartLsn)
	return nil
}

// sendProposerElected runs the recovery planner (C4) for p, then sends
// ProposerElected (IDLE -> SEND_ELECTED_FLUSH -> ACTIVE).
func (ps *ProposerState) sendProposerElected(p *Peer) error {
	startAt, err := ps.computeStartStreamingAt(p)
	if err != nil {
		return err
	}
	p.StartStreamingAt = startAt

	msg := wire.ProposerElected{
		Term:             ps.PropTerm,
		StartStreamingAt: startAt,
		History:          ps.PropTermHistory,
		TimelineStartLsn: ps.TimelineStartLsn,
	}
	buf := wire.EncodeProposerElected(nil, msg)

	switch ps.Facade.Connection.AsyncWrite(p.Handle, buf) {
	case capability.WriteOK:
		return ps.enterActive(p)
	case capability.WriteFlushNeeded:
		p.FlushWrite = true
		p.State = SendElectedFlush
		ps.registerEvents(p)
		return nil
	default:
		ps.ShutdownConnection(p)
		return nil
	}
}
