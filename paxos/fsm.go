package paxos

import (
	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/wire"
)

// queryStartWalPush is the query sent once the connection upgrades to
// CopyBoth (§6.1 connection string template covers the connection
// itself; this is the query executed over it).
const queryStartWalPush = "START_WAL_PUSH"

// ResetConnection drives OFFLINE -> CONNECTING_WRITE (§4.2, "not driven
// by events"). It is also the second half of a protocol-violation
// reset: ShutdownConnection followed immediately by ResetConnection.
func (ps *ProposerState) ResetConnection(p *Peer) {
	if p.State != Offline {
		ps.ShutdownConnection(p)
	}
	p.Outbuf = p.Outbuf[:0]
	if err := ps.Facade.Connection.ConnectStart(p.Handle, p.Host, p.Port); err != nil {
		ps.peerLogger(p).Log("msg", "connect failed", "error", err)
		return
	}
	p.State = ConnectingWrite
	// The multiplexer dropped this handle's registration in the prior
	// ShutdownConnection's RemovePeer; re-add it rather than update it.
	if err := ps.Facade.Multiplexer.AddPeer(p.Handle, p.State.desiredEvents(p)); err != nil {
		ps.peerLogger(p).Log("msg", "add peer to multiplexer failed", "error", err)
		ps.ShutdownConnection(p)
	}
}

// ShutdownConnection closes the handle, frees owned buffers, and
// removes the event slot (§4.2 "any error condition returns the peer
// to OFFLINE via ShutdownConnection").
func (ps *ProposerState) ShutdownConnection(p *Peer) {
	ps.Facade.Connection.Finish(p.Handle)
	ps.Facade.Multiplexer.RemovePeer(p.Handle)
	p.State = Offline
	p.Outbuf = nil
	p.FlushWrite = false
	p.HasGreetResponse = false
	p.HasVoteResponse = false
	p.HasAppendResponse = false
	p.GreetedThisConnection = false
	p.StartStreamingAt = wire.Invalid
	p.StreamingAt = wire.Invalid
	p.ReadLeftover = nil
}

func (ps *ProposerState) registerEvents(p *Peer) {
	mask := p.State.desiredEvents(p)
	_ = ps.Facade.Multiplexer.UpdatePeer(p.Handle, mask)
}

// AdvanceEvent is the scheduler's single entry point into a peer's FSM
// (§4.2, §4.6). events must be a subset of the state's desired events;
// violation is the §7 "internal assertion" fatal row.
func (ps *ProposerState) AdvanceEvent(peerIdx int, events capability.EventMask) error {
	p := ps.Peers[peerIdx]
	want := p.State.desiredEvents(p)
	if events&^want != 0 {
		ps.peerLogger(p).Log("msg", "unexpected peer events", "events", FormatEvents(peerEventFlags(p, events)), "state", p.State)
		return &AssertionError{Reason: "delivered events not a subset of desired events"}
	}

	switch p.State {
	case Offline:
		// no socket events expected; nothing to do.
		return nil
	case ConnectingWrite, ConnectingRead:
		return ps.advanceConnecting(p)
	case WaitExecResult:
		return ps.advanceWaitExecResult(p)
	case HandshakeRecv:
		return ps.advanceHandshakeRecv(p)
	case Voting:
		// idle: a readable event here means the peer closed the socket.
		ps.ShutdownConnection(p)
		return nil
	case WaitVerdict:
		return ps.advanceWaitVerdict(p)
	case SendElectedFlush:
		return ps.advanceSendElectedFlush(p)
	case Idle:
		ps.ShutdownConnection(p)
		return nil
	case Active:
		return ps.advanceActive(p, events)
	default:
		return &AssertionError{Reason: "unknown peer state"}
	}
}

func (ps *ProposerState) advanceConnecting(p *Peer) error {
	switch ps.Facade.Connection.ConnectPoll(p.Handle) {
	case capability.ConnectNeedsRead:
		p.State = ConnectingRead
		ps.registerEvents(p)
	case capability.ConnectNeedsWrite:
		p.State = ConnectingWrite
		ps.registerEvents(p)
	case capability.ConnectOK:
		p.LatestMsgReceivedAt = ps.Facade.Clock.Now()
		if err := ps.Facade.Connection.SendQuery(p.Handle, queryStartWalPush); err != nil {
			ps.peerLogger(p).Log("msg", "send query failed", "error", err)
			ps.ShutdownConnection(p)
			return nil
		}
		p.State = WaitExecResult
		ps.registerEvents(p)
	case capability.ConnectFailed:
		ps.peerLogger(p).Log("msg", "connect failed", "error", ps.Facade.Connection.ErrorMessage(p.Handle))
		ps.ShutdownConnection(p)
	}
	return nil
}

func (ps *ProposerState) advanceWaitExecResult(p *Peer) error {
	switch ps.Facade.Connection.GetQueryResult(p.Handle) {
	case capability.QueryNeedsInput:
		return nil
	case capability.QueryCopyBothReady:
		buf := wire.EncodeGreeting(nil, ps.GreetRequest)
		if !ps.Facade.Connection.BlockingWrite(p.Handle, buf) {
			ps.ShutdownConnection(p)
			return nil
		}
		p.State = HandshakeRecv
		ps.registerEvents(p)
	case capability.QueryFailed, capability.QueryUnexpectedSuccess:
		ps.peerLogger(p).Log("msg", "unexpected query result", "error", ps.Facade.Connection.ErrorMessage(p.Handle))
		ps.ResetConnection(p)
	}
	return nil
}

func (ps *ProposerState) advanceHandshakeRecv(p *Peer) error {
	result, buf := ps.Facade.Connection.AsyncRead(p.Handle)
	switch result {
	case capability.ReadAgain:
		return nil
	case capability.ReadFailed:
		ps.ShutdownConnection(p)
		return nil
	}
	greeting, _, err := wire.DecodeAcceptorGreeting(buf)
	if err != nil {
		ps.peerLogger(p).Log("msg", "malformed acceptor greeting", "error", err)
		ps.ResetConnection(p)
		return nil
	}
	p.HasGreetResponse = true
	p.GreetResponse = greeting
	p.LatestMsgReceivedAt = ps.Facade.Clock.Now()
	return ps.onGreeting(p, greeting)
}

func (ps *ProposerState) advanceWaitVerdict(p *Peer) error {
	result, buf := ps.Facade.Connection.AsyncRead(p.Handle)
	switch result {
	case capability.ReadAgain:
		return nil
	case capability.ReadFailed:
		ps.ShutdownConnection(p)
		return nil
	}
	vote, _, err := wire.DecodeVoteResponse(buf)
	if err != nil {
		ps.peerLogger(p).Log("msg", "malformed vote response", "error", err)
		ps.ResetConnection(p)
		return nil
	}
	p.HasVoteResponse = true
	p.VoteResponse = vote
	p.LatestMsgReceivedAt = ps.Facade.Clock.Now()
	return ps.onVote(p, vote)
}

func (ps *ProposerState) advanceSendElectedFlush(p *Peer) error {
	switch ps.Facade.Connection.Flush(p.Handle) {
	case capability.FlushPending:
		return nil
	case capability.FlushFailed:
		ps.ShutdownConnection(p)
		return nil
	case capability.FlushDone:
		p.FlushWrite = false
		return ps.enterActive(p)
	}
	return nil
}

// enterActive runs the per-peer recovery planner (C4) and transitions
// IDLE/SEND_ELECTED_FLUSH -> ACTIVE.
func (ps *ProposerState) enterActive(p *Peer) error {
	startAt, err := ps.computeStartStreamingAt(p)
	if err != nil {
		return err
	}
	p.StartStreamingAt = startAt
	p.StreamingAt = startAt
	p.State = Active
	ps.registerEvents(p)
	return nil
}
