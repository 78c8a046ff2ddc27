package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message tags. Stored on the wire as the low byte of a legacy u64 field.
const (
	tagGreeting byte = 'g'
	tagVote     byte = 'v'
	tagElected  byte = 'e'
	tagAppend   byte = 'a'
)

// ErrShortBuffer is returned by every decoder in this file when the
// supplied slice does not yet hold a complete message; the streaming
// reader of AppendResponses retries once more bytes have arrived.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrBadTag is a protocol violation: the decoded tag did not match the
// message kind the caller expected to receive in this FSM state.
type ErrBadTag struct {
	Want, Got byte
}

func (e *ErrBadTag) Error() string {
	return fmt.Sprintf("wire: expected tag %q, got %q", e.Want, e.Got)
}

func putTag(buf []byte, tag byte) []byte {
	var t [8]byte
	t[0] = tag
	return append(buf, t[:]...)
}

func takeTag(buf []byte) (byte, []byte, error) {
	if len(buf) < 8 {
		return 0, buf, ErrShortBuffer
	}
	return buf[0], buf[8:], nil
}

func putU32(buf []byte, v uint32) []byte {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	return append(buf, t[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	return append(buf, t[:]...)
}

func putI64(buf []byte, v int64) []byte {
	return putU64(buf, uint64(v))
}

func takeU32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, buf, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func takeU64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, buf, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

func takeI64(buf []byte) (int64, []byte, error) {
	v, rest, err := takeU64(buf)
	return int64(v), rest, err
}

func putUUID(buf []byte, u UUID) []byte {
	return append(buf, u[:]...)
}

func takeUUID(buf []byte) (UUID, []byte, error) {
	var u UUID
	if len(buf) < 16 {
		return u, buf, ErrShortBuffer
	}
	copy(u[:], buf[:16])
	return u, buf[16:], nil
}

func putHistory(buf []byte, h TermHistory) []byte {
	buf = putU32(buf, uint32(len(h)))
	for _, e := range h {
		buf = putU64(buf, uint64(e.Term))
		buf = putU64(buf, uint64(e.Lsn))
	}
	return buf
}

func takeHistory(buf []byte) (TermHistory, []byte, error) {
	n, rest, err := takeU32(buf)
	if err != nil {
		return nil, buf, err
	}
	h := make(TermHistory, 0, n)
	for i := uint32(0); i < n; i++ {
		var term, lsn uint64
		term, rest, err = takeU64(rest)
		if err != nil {
			return nil, buf, err
		}
		lsn, rest, err = takeU64(rest)
		if err != nil {
			return nil, buf, err
		}
		h = append(h, TermSwitchEntry{Term: Term(term), Lsn: Lsn(lsn)})
	}
	return h, rest, nil
}

// EncodeGreeting appends a proposer Greeting to buf.
func EncodeGreeting(buf []byte, g Greeting) []byte {
	buf = putTag(buf, tagGreeting)
	buf = putU32(buf, g.ProtoVersion)
	buf = putU32(buf, g.PgVersion)
	buf = putUUID(buf, g.ProposerUUID)
	buf = putU64(buf, g.SystemID)
	buf = putUUID(buf, g.TimelineID)
	buf = putUUID(buf, g.TenantID)
	buf = putU32(buf, g.Timeline)
	buf = putU32(buf, g.WalSegSize)
	return buf
}

// DecodeAcceptorGreeting decodes an A->P AcceptorGreeting.
func DecodeAcceptorGreeting(buf []byte) (AcceptorGreeting, []byte, error) {
	var g AcceptorGreeting
	tag, rest, err := takeTag(buf)
	if err != nil {
		return g, buf, err
	}
	if tag != tagGreeting {
		return g, buf, &ErrBadTag{Want: tagGreeting, Got: tag}
	}
	term, rest, err := takeU64(rest)
	if err != nil {
		return g, buf, err
	}
	nodeID, rest, err := takeU64(rest)
	if err != nil {
		return g, buf, err
	}
	g.Term = Term(term)
	g.NodeID = NodeID(nodeID)
	return g, rest, nil
}

// EncodeVoteRequest appends a proposer VoteRequest to buf.
func EncodeVoteRequest(buf []byte, v VoteRequest) []byte {
	buf = putTag(buf, tagVote)
	buf = putU64(buf, uint64(v.Term))
	buf = putUUID(buf, v.ProposerUUID)
	return buf
}

// DecodeVoteResponse decodes an A->P VoteResponse.
func DecodeVoteResponse(buf []byte) (VoteResponse, []byte, error) {
	var v VoteResponse
	tag, rest, err := takeTag(buf)
	if err != nil {
		return v, buf, err
	}
	if tag != tagVote {
		return v, buf, &ErrBadTag{Want: tagVote, Got: tag}
	}
	term, rest, err := takeU64(rest)
	if err != nil {
		return v, buf, err
	}
	voteGiven, rest, err := takeU64(rest)
	if err != nil {
		return v, buf, err
	}
	flushLsn, rest, err := takeU64(rest)
	if err != nil {
		return v, buf, err
	}
	truncateLsn, rest, err := takeU64(rest)
	if err != nil {
		return v, buf, err
	}
	history, rest, err := takeHistory(rest)
	if err != nil {
		return v, buf, err
	}
	timelineStartLsn, rest, err := takeU64(rest)
	if err != nil {
		return v, buf, err
	}
	v.Term = Term(term)
	v.VoteGiven = voteGiven
	v.FlushLsn = Lsn(flushLsn)
	v.TruncateLsn = Lsn(truncateLsn)
	v.History = history
	v.TimelineStartLsn = Lsn(timelineStartLsn)
	return v, rest, nil
}

// EncodeProposerElected appends a ProposerElected to buf.
func EncodeProposerElected(buf []byte, e ProposerElected) []byte {
	buf = putTag(buf, tagElected)
	buf = putU64(buf, uint64(e.Term))
	buf = putU64(buf, uint64(e.StartStreamingAt))
	buf = putHistory(buf, e.History)
	buf = putU64(buf, uint64(e.TimelineStartLsn))
	return buf
}

// EncodeAppendRequest appends an AppendRequest (header + WAL bytes) to buf.
func EncodeAppendRequest(buf []byte, r AppendRequest) []byte {
	buf = putTag(buf, tagAppend)
	buf = putU64(buf, uint64(r.Header.Term))
	buf = putU64(buf, uint64(r.Header.EpochStartLsn))
	buf = putU64(buf, uint64(r.Header.BeginLsn))
	buf = putU64(buf, uint64(r.Header.EndLsn))
	buf = putU64(buf, uint64(r.Header.CommitLsn))
	buf = putU64(buf, uint64(r.Header.TruncateLsn))
	buf = putUUID(buf, r.Header.ProposerUUID)
	buf = append(buf, r.WalData...)
	return buf
}

// AppendRequestHeaderSize is the fixed length of an AppendRequest's header,
// in bytes, not counting the 8-byte tag.
const AppendRequestHeaderSize = 8*6 + 16

// DecodeAppendResponse decodes an A->P AppendResponse, including the
// trailing pageserver-feedback block. The block's nkeys byte must be
// present (0 when there are no keys); a response that ends right after
// the hot-standby fields is reported as ErrShortBuffer. Returns
// ErrShortBuffer if buf does not yet hold a complete message (the caller
// should wait for more bytes and retry).
func DecodeAppendResponse(buf []byte) (AppendResponse, []byte, error) {
	var r AppendResponse
	tag, rest, err := takeTag(buf)
	if err != nil {
		return r, buf, err
	}
	if tag != tagAppend {
		return r, buf, &ErrBadTag{Want: tagAppend, Got: tag}
	}
	term, rest, err := takeU64(rest)
	if err != nil {
		return r, buf, err
	}
	flushLsn, rest, err := takeU64(rest)
	if err != nil {
		return r, buf, err
	}
	commitLsn, rest, err := takeU64(rest)
	if err != nil {
		return r, buf, err
	}
	ts, rest, err := takeI64(rest)
	if err != nil {
		return r, buf, err
	}
	xmin, rest, err := takeU64(rest)
	if err != nil {
		return r, buf, err
	}
	catalogXmin, rest, err := takeU64(rest)
	if err != nil {
		return r, buf, err
	}
	r.Term = Term(term)
	r.FlushLsn = Lsn(flushLsn)
	r.CommitLsn = Lsn(commitLsn)
	r.HotStandby = HotStandbyFeedback{Ts: ts, Xmin: xmin, CatalogXmin: catalogXmin}

	fb, rest, err := decodePageserverFeedback(rest)
	if err != nil {
		return r, buf, err
	}
	r.Feedback = fb
	return r, rest, nil
}

func decodePageserverFeedback(buf []byte) (PageserverFeedback, []byte, error) {
	var fb PageserverFeedback
	if len(buf) < 1 {
		return fb, buf, ErrShortBuffer
	}
	nkeys := buf[0]
	rest := buf[1:]
	for i := byte(0); i < nkeys; i++ {
		keyEnd := indexByte(rest, 0)
		if keyEnd < 0 {
			return fb, buf, ErrShortBuffer
		}
		key := string(rest[:keyEnd])
		rest = rest[keyEnd+1:]
		length, r2, err := takeU32(rest)
		if err != nil {
			return fb, buf, err
		}
		rest = r2
		if uint32(len(rest)) < length {
			return fb, buf, ErrShortBuffer
		}
		value := rest[:length]
		rest = rest[length:]
		applyFeedbackKey(&fb, key, value)
	}
	return fb, rest, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func applyFeedbackKey(fb *PageserverFeedback, key string, value []byte) {
	switch key {
	case "current_timeline_size":
		if len(value) >= 8 {
			fb.HasCurrentTimelineSize = true
			fb.CurrentTimelineSize = binary.LittleEndian.Uint64(value)
		}
	case "ps_writelsn", "last_received_lsn":
		if len(value) >= 8 {
			fb.HasWriteLsn = true
			fb.WriteLsn = Lsn(binary.LittleEndian.Uint64(value))
		}
	case "ps_flushlsn", "disk_consistent_lsn":
		if len(value) >= 8 {
			fb.HasFlushLsn = true
			fb.FlushLsn = Lsn(binary.LittleEndian.Uint64(value))
		}
	case "ps_applylsn", "remote_consistent_lsn":
		if len(value) >= 8 {
			fb.HasApplyLsn = true
			fb.ApplyLsn = Lsn(binary.LittleEndian.Uint64(value))
		}
	case "ps_replytime", "replytime":
		if len(value) >= 8 {
			fb.HasReplyTime = true
			fb.ReplyTime = int64(binary.LittleEndian.Uint64(value))
		}
	default:
		// forward-compat: unknown keys are silently skipped
	}
}

// EncodePageserverFeedback is exposed for tests exercising the
// unknown-key-skipping round-trip property; production encoding of this
// block happens on the safekeeper side, which the proposer never emits.
func EncodePageserverFeedback(buf []byte, keys map[string][]byte) []byte {
	buf = append(buf, byte(len(keys)))
	for k, v := range keys {
		buf = append(buf, []byte(k)...)
		buf = append(buf, 0)
		buf = putU32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}
