package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/config"
	"github.com/shanyp/neon/wire"
)

// recordingHooks is a direct-construction stand-in for capability.Hooks,
// built the same way recovery_test.go builds ProposerState: only the
// fields the method under test touches, no shared fake package.
type recordingHooks struct {
	feedbackLsns []wire.Lsn
	confirmed    []wire.Lsn
}

func (h *recordingHooks) StartStreaming(wire.Lsn)           {}
func (h *recordingHooks) FinishSyncSafekeepers(wire.Lsn)    {}
func (h *recordingHooks) ProcessSafekeeperFeedback(l wire.Lsn) {
	h.feedbackLsns = append(h.feedbackLsns, l)
}
func (h *recordingHooks) ConfirmWalStreamed(l wire.Lsn) {
	h.confirmed = append(h.confirmed, l)
}
func (h *recordingHooks) AfterElection()            {}
func (h *recordingHooks) LogInternal(string, string) {}

func fakeFacadeWithHooks(hooks *recordingHooks) capability.Facade {
	return capability.Facade{Hooks: hooks}
}

func makePeersWithFlush(flushLsns []wire.Lsn) []*Peer {
	peers := make([]*Peer, len(flushLsns))
	for i, f := range flushLsns {
		peers[i] = &Peer{
			Index:             i,
			HasAppendResponse: true,
			AppendResponse:    wire.AppendResponse{FlushLsn: f},
		}
	}
	return peers
}

func TestQuorumCommitLsnExample(t *testing.T) {
	// §8's worked example: N=5, quorum=3, propEpochStartLsn=1000.
	ps := &ProposerState{
		Quorum:            3,
		PropEpochStartLsn: 1000,
		Peers:             makePeersWithFlush([]wire.Lsn{900, 1200, 1500, 800, 1300}),
	}
	require.Equal(t, wire.Lsn(1200), ps.quorumCommitLsn())
}

func TestQuorumCommitLsnIgnoresResponsesBelowEpochStart(t *testing.T) {
	ps := &ProposerState{
		Quorum:            2,
		PropEpochStartLsn: 500,
		Peers:             makePeersWithFlush([]wire.Lsn{100, 200, 300}),
	}
	require.Equal(t, wire.Lsn(0), ps.quorumCommitLsn())
}

func TestMinFlushLsnTreatsMissingResponseAsZero(t *testing.T) {
	ps := &ProposerState{
		Peers: []*Peer{
			{Index: 0, HasAppendResponse: true, AppendResponse: wire.AppendResponse{FlushLsn: 700}},
			{Index: 1, HasAppendResponse: false},
			{Index: 2, HasAppendResponse: true, AppendResponse: wire.AppendResponse{FlushLsn: 650}},
		},
	}
	require.Equal(t, wire.Lsn(0), ps.minFlushLsn())
}

func TestMinFlushLsnAllResponded(t *testing.T) {
	ps := &ProposerState{Peers: makePeersWithFlush([]wire.Lsn{700, 650, 900})}
	require.Equal(t, wire.Lsn(650), ps.minFlushLsn())
}

// S4 from §8: commit advances with a quorum, then later the straggler's
// ack advances truncateLsn; commit never regresses.
func TestHandleSafekeeperResponseCommitAndTruncateAdvance(t *testing.T) {
	hooks := &recordingHooks{}
	ps := &ProposerState{
		Quorum:            2,
		PropEpochStartLsn: 0x16000000,
		Config:            &config.Config{},
		Facade:            fakeFacadeWithHooks(hooks),
		Peers: []*Peer{
			{Index: 0, HasAppendResponse: true, AppendResponse: wire.AppendResponse{FlushLsn: 0x16000800}},
			{Index: 1, HasAppendResponse: true, AppendResponse: wire.AppendResponse{FlushLsn: 0x16000800}},
			{Index: 2, HasAppendResponse: false},
		},
	}

	require.NoError(t, ps.handleSafekeeperResponse())
	require.Equal(t, wire.Lsn(0x16000800), ps.LastSentCommitLsn)
	require.Equal(t, wire.Lsn(0), ps.TruncateLsn) // peer 2 hasn't acked yet

	ps.Peers[2].HasAppendResponse = true
	ps.Peers[2].AppendResponse = wire.AppendResponse{FlushLsn: 0x16000700}
	require.NoError(t, ps.handleSafekeeperResponse())
	require.Equal(t, wire.Lsn(0x16000700), ps.TruncateLsn)
	require.Equal(t, wire.Lsn(0x16000800), ps.LastSentCommitLsn) // never regresses
}
