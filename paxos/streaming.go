package paxos

import (
	"sort"

	mapset "github.com/deckarep/golang-set"

	neon "github.com/shanyp/neon"
	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/wire"
)

// advanceActive dispatches C5 for an ACTIVE peer: read always, write
// while streamingAt<availableLsn or a flush is pending (§4.2's table).
func (ps *ProposerState) advanceActive(p *Peer, events capability.EventMask) error {
	if events&capability.EventReadable != 0 {
		if err := ps.recvAppendResponses(p); err != nil {
			return err
		}
		if p.State != Active {
			return nil
		}
	}
	if events&capability.EventWritable != 0 {
		if err := ps.sendAppendRequests(p); err != nil {
			return err
		}
	}
	if p.State != Offline {
		ps.registerEvents(p)
	}
	return nil
}

// sendAppendRequests is §4.5's SendAppendRequests.
func (ps *ProposerState) sendAppendRequests(p *Peer) error {
	if p.FlushWrite {
		switch ps.Facade.Connection.Flush(p.Handle) {
		case capability.FlushPending:
			return nil
		case capability.FlushFailed:
			ps.ShutdownConnection(p)
			return nil
		case capability.FlushDone:
			p.FlushWrite = false
		}
	}

	for {
		end := p.StreamingAt + wire.Lsn(neon.MaxSendSize)
		if end > ps.AvailableLsn {
			end = ps.AvailableLsn
		}

		header := wire.AppendRequestHeader{
			Term:          ps.PropTerm,
			EpochStartLsn: ps.PropEpochStartLsn,
			BeginLsn:      p.StreamingAt,
			EndLsn:        end,
			CommitLsn:     ps.LastSentCommitLsn,
			TruncateLsn:   ps.TruncateLsn,
			ProposerUUID:  ps.GreetRequest.ProposerUUID,
		}

		walLen := end - p.StreamingAt
		data := make([]byte, walLen)
		if walLen > 0 {
			if err := ps.Facade.WAL.WalRead(p.Handle, data, p.StreamingAt); err != nil {
				return fatalf("wal read failed for safekeeper %d at lsn %d: %v", p.Index, p.StreamingAt, err)
			}
		}

		p.Outbuf = wire.EncodeAppendRequest(p.Outbuf[:0], wire.AppendRequest{Header: header, WalData: data})

		switch ps.Facade.Connection.AsyncWrite(p.Handle, p.Outbuf) {
		case capability.WriteOK:
			p.StreamingAt = end
			if p.StreamingAt < ps.AvailableLsn {
				continue
			}
			return nil
		case capability.WriteFlushNeeded:
			p.StreamingAt = end
			p.FlushWrite = true
			return nil
		default:
			ps.ShutdownConnection(p)
			return nil
		}
	}
}

// recvAppendResponses is §4.5's RecvAppendResponses. A read can land
// mid-frame, so any undecoded tail carries forward on p.ReadLeftover
// and is prepended to the next AsyncRead's bytes.
func (ps *ProposerState) recvAppendResponses(p *Peer) error {
	for {
		result, chunk := ps.Facade.Connection.AsyncRead(p.Handle)
		switch result {
		case capability.ReadAgain:
			return ps.handleSafekeeperResponse()
		case capability.ReadFailed:
			ps.ShutdownConnection(p)
			return nil
		}

		var buf []byte
		if len(p.ReadLeftover) > 0 {
			buf = append(p.ReadLeftover, chunk...)
		} else {
			buf = chunk
		}

		for len(buf) > 0 {
			resp, rest, err := wire.DecodeAppendResponse(buf)
			if err == wire.ErrShortBuffer {
				break
			}
			if err != nil {
				ps.peerLogger(p).Log("msg", "malformed append response", "error", err)
				ps.ResetConnection(p)
				return nil
			}
			if resp.Term > ps.PropTerm {
				return fatalf("safekeeper %d reported term %d > our term %d in an append response", p.Index, resp.Term, ps.PropTerm)
			}
			p.HasAppendResponse = true
			p.AppendResponse = resp
			p.LatestMsgReceivedAt = ps.Facade.Clock.Now()
			buf = rest
		}

		if len(buf) > 0 {
			p.ReadLeftover = append([]byte(nil), buf...)
		} else {
			p.ReadLeftover = nil
		}
	}
}

// handleSafekeeperResponse is §4.5's HandleSafekeeperResponse plus the
// commit-advance broadcast that RecvAppendResponses performs right
// after it.
func (ps *ProposerState) handleSafekeeperResponse() error {
	commit := ps.quorumCommitLsn()
	ps.Facade.Hooks.ProcessSafekeeperFeedback(commit)
	if ps.Stats != nil {
		ps.Stats.CommitLsn.Set(float64(commit))
	}

	if minFlush := ps.minFlushLsn(); minFlush > ps.TruncateLsn {
		ps.TruncateLsn = minFlush
		ps.Facade.Hooks.ConfirmWalStreamed(ps.TruncateLsn)
		if ps.Stats != nil {
			ps.Stats.TruncateLsn.Set(float64(ps.TruncateLsn))
		}
	}

	if commit > ps.LastSentCommitLsn {
		ps.LastSentCommitLsn = commit
		if err := ps.broadcastAppendRequest(); err != nil {
			return err
		}
	}

	if ps.Config.SyncSafekeepers && !ps.syncSafekeepersDone {
		return ps.maybeFinishSync()
	}
	return nil
}

// quorumCommitLsn is the §4.5 "Quorum commit LSN" computation: the
// quorum-th largest flushLsn among responses at or after
// propEpochStartLsn, equivalently r[N-quorum] of the ascending sort.
func (ps *ProposerState) quorumCommitLsn() wire.Lsn {
	n := len(ps.Peers)
	vals := make([]wire.Lsn, n)
	for i, p := range ps.Peers {
		if p.HasAppendResponse && p.AppendResponse.FlushLsn >= ps.PropEpochStartLsn {
			vals[i] = p.AppendResponse.FlushLsn
		}
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	idx := n - ps.Quorum
	if idx < 0 {
		idx = 0
	}
	return vals[idx]
}

// minFlushLsn is the §4.5 "min over all peers of appendResponse.flushLsn"
// used to advance truncateLsn; a peer with no response yet contributes 0,
// since truncation requires every peer's confirmation.
func (ps *ProposerState) minFlushLsn() wire.Lsn {
	var m wire.Lsn
	for i, p := range ps.Peers {
		v := wire.Lsn(0)
		if p.HasAppendResponse {
			v = p.AppendResponse.FlushLsn
		}
		if i == 0 || v < m {
			m = v
		}
	}
	return m
}

// broadcastAppendRequest sends a (possibly empty) AppendRequest to
// every ACTIVE peer: the heartbeat path (§4.6), the commit-advance
// path, and the sync-mode kick/final broadcast (§4.3, §4.5).
func (ps *ProposerState) broadcastAppendRequest() error {
	for _, p := range ps.Peers {
		if p.State == Active {
			if err := ps.sendAppendRequests(p); err != nil {
				return err
			}
		}
	}
	if ps.Stats != nil {
		ps.Stats.Heartbeats.Inc()
	}
	return nil
}

// maybeFinishSync is the sync-mode branch of HandleSafekeeperResponse.
// ps.syncedPeers is rebuilt on every call (not incrementally) so a peer
// that drops and reconnects mid-sync is re-evaluated from scratch
// rather than left stuck counted as synced.
//
// synced is a property of the last-seen appendResponse, independent of
// the peer's current connection state: a peer that went offline after
// reporting commitLsn>=propEpochStartLsn still counts toward the
// quorum. Peer state only gates the early-return "still waiting" check
// below, so a live peer that hasn't caught up blocks completion but an
// offline one that already had does not.
func (ps *ProposerState) maybeFinishSync() error {
	ps.syncedPeers = mapset.NewSet()
	for _, p := range ps.Peers {
		synced := p.HasAppendResponse && p.AppendResponse.CommitLsn >= ps.PropEpochStartLsn
		if p.State != Offline && !synced {
			return nil // a live peer is not yet synced
		}
		if synced {
			ps.syncedPeers.Add(p.Index)
		}
	}
	if ps.syncedPeers.Cardinality() >= ps.Quorum {
		if err := ps.broadcastAppendRequest(); err != nil {
			return err
		}
		ps.Facade.Hooks.FinishSyncSafekeepers(ps.PropEpochStartLsn)
		ps.syncSafekeepersDone = true
	}
	return nil
}
