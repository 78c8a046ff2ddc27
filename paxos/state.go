// Package paxos implements the proposer-side election/commit engine:
// the per-peer connection FSM (C2), the election engine (C3), the
// per-peer recovery planner (C4) and the streaming engine (C5). It is
// the direct descendant of the teacher's paxos package (acceptor.go,
// proposermanager.go), which drives an analogous per-transaction
// multi-state machine against a set of resource managers; here one
// proposer-wide state machine is driven against a fixed set of
// safekeepers instead.
package paxos

import (
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/go-kit/kit/log"
	"github.com/google/uuid"

	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/config"
	"github.com/shanyp/neon/stats"
	"github.com/shanyp/neon/wire"
)

// PeerFSMState is one of the 10 states of §4.2.
type PeerFSMState int

const (
	Offline PeerFSMState = iota
	ConnectingWrite
	ConnectingRead
	WaitExecResult
	HandshakeRecv
	Voting
	WaitVerdict
	SendElectedFlush
	Idle
	Active
)

func (s PeerFSMState) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case ConnectingWrite:
		return "CONNECTING_WRITE"
	case ConnectingRead:
		return "CONNECTING_READ"
	case WaitExecResult:
		return "WAIT_EXEC_RESULT"
	case HandshakeRecv:
		return "HANDSHAKE_RECV"
	case Voting:
		return "VOTING"
	case WaitVerdict:
		return "WAIT_VERDICT"
	case SendElectedFlush:
		return "SEND_ELECTED_FLUSH"
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// desiredEvents returns the readiness set a state declares it waits on
// (§4.2's table); used to validate delivered events are a subset (§4.2
// "the implementation must validate... violation is a bug").
func (s PeerFSMState) desiredEvents(peer *Peer) capability.EventMask {
	switch s {
	case Offline:
		return 0
	case ConnectingWrite:
		return capability.EventWritable
	case ConnectingRead:
		return capability.EventReadable
	case WaitExecResult, HandshakeRecv, Voting, WaitVerdict, Idle:
		return capability.EventReadable
	case SendElectedFlush:
		return capability.EventReadable | capability.EventWritable
	case Active:
		mask := capability.EventReadable
		if peer.StreamingAt < peer.proposerAvailableLsnSnapshot || peer.FlushWrite {
			mask |= capability.EventWritable
		}
		return mask
	default:
		return 0
	}
}

// Peer is one configured safekeeper connection (§3 "Peer").
type Peer struct {
	Index int
	Host  string
	Port  int

	State PeerFSMState

	Handle capability.PeerHandle

	Outbuf     []byte
	FlushWrite bool

	StartStreamingAt wire.Lsn
	StreamingAt      wire.Lsn

	HasGreetResponse bool
	GreetResponse    wire.AcceptorGreeting

	HasVoteResponse bool
	VoteResponse    wire.VoteResponse

	HasAppendResponse bool
	AppendResponse    wire.AppendResponse

	// ReadLeftover holds bytes left over from a short AppendResponse
	// decode (wire.ErrShortBuffer): a read can land mid-frame, and the
	// remainder must carry forward to the next AsyncRead instead of
	// being dropped.
	ReadLeftover []byte

	// GreetedThisConnection enforces "greeting processed at most once
	// per reconnect" (§9 design note) even though NConnected itself is
	// never reset across reconnects.
	GreetedThisConnection bool

	LatestMsgReceivedAt time.Time

	// proposerAvailableLsnSnapshot lets desiredEvents avoid a cyclic
	// reference back to ProposerState; ProposerState refreshes it
	// whenever availableLsn changes (see ProposerState.setAvailableLsn).
	proposerAvailableLsnSnapshot wire.Lsn
}

// ProposerState is the process-wide singleton (§3).
type ProposerState struct {
	Config *config.Config
	Facade capability.Facade
	Logger log.Logger
	Stats  *stats.Registry

	Peers  []*Peer
	Quorum int

	AvailableLsn      wire.Lsn
	LastSentCommitLsn wire.Lsn
	TruncateLsn       wire.Lsn
	PropTerm          wire.Term
	PropTermHistory   wire.TermHistory
	PropEpochStartLsn wire.Lsn
	Donor             int // peer index, -1 if none selected yet
	DonorEpoch        wire.Term
	TimelineStartLsn  wire.Lsn
	NConnected        int
	NVotes            int

	GreetRequest wire.Greeting
	VoteReq      wire.VoteRequest

	elected bool

	// syncSafekeepersDone is set once FinishSyncSafekeepers has fired,
	// so HandleSafekeeperResponse's final sync-mode broadcast (§4.5)
	// only ever calls it once.
	syncSafekeepersDone bool

	// syncedPeers tracks, by peer index, which peers (offline ones
	// included) last reported commitLsn>=propEpochStartLsn during
	// --sync-safekeepers;
	// maybeFinishSync rebuilds it every call so a peer that regresses
	// (reconnects and re-syncs) is never stuck counted as done.
	syncedPeers mapset.Set
}

// New builds a ProposerState for cfg (§6.4 Create).
func New(cfg *config.Config, facade capability.Facade, logger log.Logger, reg *stats.Registry) *ProposerState {
	ps := &ProposerState{
		Config:      cfg,
		Facade:      facade,
		Logger:      logger,
		Stats:       reg,
		Quorum:      cfg.Quorum(),
		Donor:       -1,
		syncedPeers: mapset.NewSet(),
	}
	ps.Peers = make([]*Peer, len(cfg.Safekeepers))
	for i, sk := range cfg.Safekeepers {
		ps.Peers[i] = &Peer{
			Index:  i,
			Host:   sk.Host,
			Port:   sk.Port,
			State:  Offline,
			// Handle is the peer's stable identity across reconnects —
			// capabilities key per-attempt state off it internally, but
			// the core itself never recycles or reassigns it.
			Handle: capability.PeerHandle(i),
		}
	}
	ps.GreetRequest = wire.Greeting{
		ProtoVersion: wire.ProtocolVersion,
		ProposerUUID: wire.UUID(uuid.New()),
		SystemID:     cfg.SystemID,
		TimelineID:   cfg.Timeline,
		TenantID:     cfg.Tenant,
		Timeline:     cfg.PgTimeline,
		WalSegSize:   cfg.WalSegmentSize,
	}
	return ps
}

// setAvailableLsn advances availableLsn (monotonic, §3 invariants) and
// refreshes every peer's desired-event snapshot.
func (ps *ProposerState) setAvailableLsn(lsn wire.Lsn) {
	if lsn < ps.AvailableLsn {
		return
	}
	ps.AvailableLsn = lsn
	if ps.Stats != nil {
		ps.Stats.AvailableLsn.Set(float64(lsn))
	}
	for _, p := range ps.Peers {
		p.proposerAvailableLsnSnapshot = lsn
	}
}

func (ps *ProposerState) log(keyvals ...interface{}) {
	if ps.Logger != nil {
		ps.Logger.Log(keyvals...)
	}
}

func (ps *ProposerState) peerLogger(p *Peer) log.Logger {
	logger := ps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return log.With(logger, "peer", p.Index, "host", p.Host, "port", p.Port)
}
