package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGreetingRoundTrip(t *testing.T) {
	g := Greeting{
		ProtoVersion: ProtocolVersion,
		PgVersion:    150003,
		ProposerUUID: UUID{1, 2, 3},
		SystemID:     0xdeadbeef,
		TimelineID:   UUID{4, 5, 6},
		TenantID:     UUID{7, 8, 9},
		Timeline:     1,
		WalSegSize:   16 * 1024 * 1024,
	}
	buf := EncodeGreeting(nil, g)

	// Proposer never decodes its own Greeting, so its encoding is only
	// checked for being non-empty; the round trip checked here is the
	// handshake's other leg, AcceptorGreeting, which shares the 'g' tag
	// but carries only term and nodeId.
	ag := AcceptorGreeting{Term: 7, NodeID: 3}
	abuf := putTag(nil, tagGreeting)
	abuf = putU64(abuf, uint64(ag.Term))
	abuf = putU64(abuf, uint64(ag.NodeID))

	got, rest, err := DecodeAcceptorGreeting(abuf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, ag, got)
	require.NotEmpty(t, buf)
}

func TestVoteRoundTrip(t *testing.T) {
	vr := VoteRequest{Term: 5, ProposerUUID: UUID{9, 9, 9}}
	buf := EncodeVoteRequest(nil, vr)
	require.Equal(t, byte('v'), buf[0])

	vresp := VoteResponse{
		Term:             5,
		VoteGiven:        1,
		FlushLsn:         1000,
		TruncateLsn:      100,
		History:          TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
		TimelineStartLsn: 100,
	}
	encoded := encodeVoteResponseForTest(vresp)
	got, rest, err := DecodeVoteResponse(encoded)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, vresp, got)
}

func encodeVoteResponseForTest(v VoteResponse) []byte {
	buf := putTag(nil, tagVote)
	buf = putU64(buf, uint64(v.Term))
	buf = putU64(buf, v.VoteGiven)
	buf = putU64(buf, uint64(v.FlushLsn))
	buf = putU64(buf, uint64(v.TruncateLsn))
	buf = putHistory(buf, v.History)
	buf = putU64(buf, uint64(v.TimelineStartLsn))
	return buf
}

func TestProposerElectedEncodesHistory(t *testing.T) {
	pe := ProposerElected{
		Term:             8,
		StartStreamingAt: 600,
		History:          TermHistory{{Term: 1, Lsn: 100}, {Term: 7, Lsn: 500}, {Term: 8, Lsn: 600}},
		TimelineStartLsn: 100,
	}
	buf := EncodeProposerElected(nil, pe)
	require.Equal(t, byte('e'), buf[0])
	// 8 (tag) + 8 (term) + 8 (startStreamingAt) + 4 (count) + 3*16 (entries) + 8 (timelineStart)
	require.Equal(t, 8+8+8+4+3*16+8, len(buf))
}

func TestAppendRequestEncodesHeader(t *testing.T) {
	ar := AppendRequest{
		Header: AppendRequestHeader{
			Term:          3,
			EpochStartLsn: 100,
			BeginLsn:      200,
			EndLsn:        250,
			CommitLsn:     150,
			TruncateLsn:   100,
			ProposerUUID:  UUID{1},
		},
		WalData: []byte("hello-wal-bytes"),
	}
	buf := EncodeAppendRequest(nil, ar)
	require.Equal(t, byte('a'), buf[0])
	require.Equal(t, 8+AppendRequestHeaderSize+len(ar.WalData), len(buf))
}

func TestAppendResponseRoundTripNoFeedback(t *testing.T) {
	resp := AppendResponse{
		Term:      3,
		FlushLsn:  250,
		CommitLsn: 200,
		HotStandby: HotStandbyFeedback{
			Ts:          1234,
			Xmin:        10,
			CatalogXmin: 5,
		},
	}
	buf := encodeAppendResponseForTest(resp, nil)
	got, rest, err := DecodeAppendResponse(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, resp, got)
}

func TestAppendResponseSkipsUnknownFeedbackKeys(t *testing.T) {
	resp := AppendResponse{Term: 1, FlushLsn: 10, CommitLsn: 10}
	keys := map[string][]byte{
		"totally_unknown_key": []byte("whatever"),
		"ps_flushlsn":         le64(777),
	}
	buf := encodeAppendResponseForTest(resp, keys)
	got, rest, err := DecodeAppendResponse(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.True(t, got.Feedback.HasFlushLsn)
	require.EqualValues(t, 777, got.Feedback.FlushLsn)
	require.False(t, got.Feedback.HasApplyLsn)
}

func TestDecodeAppendResponseShortBufferSignalsRetry(t *testing.T) {
	resp := AppendResponse{Term: 1, FlushLsn: 10, CommitLsn: 10}
	buf := encodeAppendResponseForTest(resp, nil)
	_, _, err := DecodeAppendResponse(buf[:len(buf)-3])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	buf := putTag(nil, tagVote)
	buf = putU64(buf, 0)
	buf = putU64(buf, 0)
	buf = putU64(buf, 0)
	buf = putHistory(buf, nil)
	buf = putU64(buf, 0)
	_, _, err := DecodeAppendResponse(buf)
	var bad *ErrBadTag
	require.ErrorAs(t, err, &bad)
	require.Equal(t, byte('a'), bad.Want)
	require.Equal(t, byte('v'), bad.Got)
}

func encodeAppendResponseForTest(r AppendResponse, keys map[string][]byte) []byte {
	buf := putTag(nil, tagAppend)
	buf = putU64(buf, uint64(r.Term))
	buf = putU64(buf, uint64(r.FlushLsn))
	buf = putU64(buf, uint64(r.CommitLsn))
	buf = putI64(buf, r.HotStandby.Ts)
	buf = putU64(buf, r.HotStandby.Xmin)
	buf = putU64(buf, r.HotStandby.CatalogXmin)
	buf = EncodePageserverFeedback(buf, keys)
	return buf
}

func le64(v uint64) []byte {
	buf := putU64(nil, v)
	return buf
}
