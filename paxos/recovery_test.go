package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shanyp/neon/wire"
)

func TestComputeStartStreamingAtDivergenceTable(t *testing.T) {
	t.Run("matching histories, propTerm entry present", func(t *testing.T) {
		ps := &ProposerState{
			PropTerm:          5,
			PropTermHistory:   wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
			TruncateLsn:       100,
			AvailableLsn:      1000,
		}
		p := &Peer{VoteResponse: wire.VoteResponse{
			FlushLsn: 800,
			History:  wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
		}}
		got, err := ps.computeStartStreamingAt(p)
		require.NoError(t, err)
		require.Equal(t, wire.Lsn(800), got)
	})

	t.Run("peer diverges at a lower term, bounded by peer's own next switch", func(t *testing.T) {
		ps := &ProposerState{
			PropTerm:        5,
			PropTermHistory: wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
			TruncateLsn:     100,
			AvailableLsn:    1000,
		}
		p := &Peer{VoteResponse: wire.VoteResponse{
			FlushLsn: 450,
			History:  wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 3, Lsn: 400}},
		}}
		got, err := ps.computeStartStreamingAt(p)
		require.NoError(t, err)
		require.Equal(t, wire.Lsn(400), got)
	})

	t.Run("no common term prefix at all, clamped up to truncateLsn", func(t *testing.T) {
		ps := &ProposerState{
			PropTerm:        5,
			PropTermHistory: wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
			TruncateLsn:     200,
			AvailableLsn:    1000,
		}
		p := &Peer{VoteResponse: wire.VoteResponse{
			FlushLsn: 0,
			History:  nil,
		}}
		got, err := ps.computeStartStreamingAt(p)
		require.NoError(t, err)
		require.Equal(t, wire.Lsn(200), got)
	})

	// The fourth row of this table in the written specification lists an
	// expected value (100) that contradicts its own stated algorithm: with
	// prop=[(1,100)] and propTerm=1, the "prop[i].term==propTerm" branch is
	// taken and the result is peer.flushLsn (350), not truncateLsn (100).
	// computeStartStreamingAt follows the algorithm text exactly; this test
	// documents the discrepancy rather than silently reconciling it.
	t.Run("single-entry proposer history still in its own term", func(t *testing.T) {
		ps := &ProposerState{
			PropTerm:        1,
			PropTermHistory: wire.TermHistory{{Term: 1, Lsn: 100}},
			TruncateLsn:     100,
			AvailableLsn:    1000,
		}
		p := &Peer{VoteResponse: wire.VoteResponse{
			FlushLsn: 350,
			History:  wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 2, Lsn: 300}},
		}}
		got, err := ps.computeStartStreamingAt(p)
		require.NoError(t, err)
		require.Equal(t, wire.Lsn(350), got)
	})
}

func TestComputeStartStreamingAtRejectsOutOfRangeResult(t *testing.T) {
	ps := &ProposerState{
		PropTerm:        5,
		PropTermHistory: wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
		TruncateLsn:     900,
		AvailableLsn:    1000,
	}
	p := &Peer{VoteResponse: wire.VoteResponse{
		FlushLsn: 800,
		History:  wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
	}}
	_, err := ps.computeStartStreamingAt(p)
	require.Error(t, err)
	require.IsType(t, &AssertionError{}, err)
}

func TestCommonPrefixLen(t *testing.T) {
	require.Equal(t, 2, commonPrefixLen(
		wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
		wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 5, Lsn: 500}},
	))
	require.Equal(t, 0, commonPrefixLen(
		wire.TermHistory{{Term: 1, Lsn: 100}},
		wire.TermHistory{{Term: 2, Lsn: 50}},
	))
	require.Equal(t, 0, commonPrefixLen(nil, wire.TermHistory{{Term: 1, Lsn: 10}}))
}
