// Package wire implements the fixed little-endian wire codec exchanged
// between the proposer and its safekeepers.
package wire

// Term is a monotonically increasing logical clock. Zero means "never voted".
type Term uint64

// Lsn is a byte offset into the WAL. Zero (Invalid) means "unknown / not yet set".
type Lsn uint64

// Invalid is the sentinel Lsn meaning "unknown / not yet set".
const Invalid Lsn = 0

// NodeID identifies a safekeeper, as reported in its greeting.
type NodeID uint64

// XlogBlockSize is PostgreSQL's XLOG_BLCKSZ.
const XlogBlockSize = 8192

// MaxSafekeepers bounds the configured peer set (§6.1).
const MaxSafekeepers = 32

// ProtocolVersion is SK_PROTOCOL_VERSION.
const ProtocolVersion = 2

// TermSwitchEntry is one (term, first-lsn-under-term) pair.
type TermSwitchEntry struct {
	Term Term
	Lsn  Lsn
}

// TermHistory is an ordered, strictly increasing sequence of term switches.
type TermHistory []TermSwitchEntry

// Highest returns the last entry's term, or 0 if the history is empty.
func (h TermHistory) Highest() Term {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1].Term
}

// Clone returns an independent copy, since a Peer owns its received history
// buffer and frees it on every state reset.
func (h TermHistory) Clone() TermHistory {
	if h == nil {
		return nil
	}
	out := make(TermHistory, len(h))
	copy(out, h)
	return out
}

// WithEntry returns a new history with entry appended — used to build
// propTermHistory := donor history ++ (propTerm, propEpochStartLsn).
func (h TermHistory) WithEntry(e TermSwitchEntry) TermHistory {
	out := make(TermHistory, len(h), len(h)+1)
	copy(out, h)
	return append(out, e)
}

// UUID is a 16-byte identifier (proposer UUID, timeline ID, tenant ID).
type UUID [16]byte

type Greeting struct {
	ProtoVersion uint32
	PgVersion    uint32
	ProposerUUID UUID
	SystemID     uint64
	TimelineID   UUID
	TenantID     UUID
	Timeline     uint32
	WalSegSize   uint32
}

type AcceptorGreeting struct {
	Term   Term
	NodeID NodeID
}

type VoteRequest struct {
	Term         Term
	ProposerUUID UUID
}

type VoteResponse struct {
	Term             Term
	VoteGiven        uint64
	FlushLsn         Lsn
	TruncateLsn      Lsn
	History          TermHistory
	TimelineStartLsn Lsn
}

type ProposerElected struct {
	Term             Term
	StartStreamingAt Lsn
	History          TermHistory
	TimelineStartLsn Lsn
}

type AppendRequestHeader struct {
	Term          Term
	EpochStartLsn Lsn
	BeginLsn      Lsn
	EndLsn        Lsn
	CommitLsn     Lsn
	TruncateLsn   Lsn
	ProposerUUID  UUID
}

// AppendRequest is the header plus EndLsn-BeginLsn raw WAL bytes.
type AppendRequest struct {
	Header  AppendRequestHeader
	WalData []byte
}

type HotStandbyFeedback struct {
	Ts          int64
	Xmin        uint64
	CatalogXmin uint64
}

// PageserverFeedback carries the optional trailing key/value block.
// Unknown keys are silently skipped by the decoder (forward-compat);
// unset fields here are nil/zero.
type PageserverFeedback struct {
	HasCurrentTimelineSize bool
	CurrentTimelineSize    uint64
	HasWriteLsn            bool
	WriteLsn               Lsn
	HasFlushLsn            bool
	FlushLsn               Lsn
	HasApplyLsn            bool
	ApplyLsn               Lsn
	HasReplyTime           bool
	ReplyTime              int64
}

type AppendResponse struct {
	Term       Term
	FlushLsn   Lsn
	CommitLsn  Lsn
	HotStandby HotStandbyFeedback
	Feedback   PageserverFeedback
}
