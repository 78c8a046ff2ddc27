package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shanyp/neon/capability"
	"github.com/shanyp/neon/config"
	"github.com/shanyp/neon/wire"
)

type fakeWAL struct {
	redoStartLsn wire.Lsn
}

func (f *fakeWAL) AllocateReader(capability.PeerHandle) error { return nil }
func (f *fakeWAL) WalRead(capability.PeerHandle, []byte, wire.Lsn) error { return nil }
func (f *fakeWAL) RecoveryDownload(capability.PeerHandle, wire.UUID, wire.Lsn, wire.Lsn) bool {
	return true
}
func (f *fakeWAL) GetRedoStartLsn() wire.Lsn { return f.redoStartLsn }
func (f *fakeWAL) GetFlushRecPtr() wire.Lsn  { return f.redoStartLsn }

type fakeShmem struct {
	mineLastElectedTerm wire.Term
}

func (f *fakeShmem) LoadMineLastElectedTerm() wire.Term { return f.mineLastElectedTerm }
func (f *fakeShmem) CompareAndSetMineLastElectedTerm(expect, newTerm wire.Term) bool {
	if f.mineLastElectedTerm != expect {
		return false
	}
	f.mineLastElectedTerm = newTerm
	return true
}

func idlePeerWithVote(idx int, vr wire.VoteResponse) *Peer {
	return &Peer{Index: idx, State: Idle, HasVoteResponse: true, VoteResponse: vr}
}

// S1 — cold bootstrap, 3 fresh safekeepers: all greet at term 0, vote yes
// with empty histories and flushLsn=0; getRedoStartLsn() = 0x16000000.
func TestDetermineEpochStartLsnColdBootstrap(t *testing.T) {
	const redo = wire.Lsn(0x16000000)
	hooks := &recordingHooks{}
	wal := &fakeWAL{redoStartLsn: redo}
	shmem := &fakeShmem{mineLastElectedTerm: 0}

	ps := &ProposerState{
		PropTerm: 1,
		Config:   &config.Config{},
		Facade: capability.Facade{
			Hooks: hooks,
			WAL:   wal,
			Shmem: shmem,
		},
		Peers: []*Peer{
			idlePeerWithVote(0, wire.VoteResponse{VoteGiven: 1}),
			idlePeerWithVote(1, wire.VoteResponse{VoteGiven: 1}),
			idlePeerWithVote(2, wire.VoteResponse{VoteGiven: 1}),
		},
	}

	require.NoError(t, ps.determineEpochStartLsn())

	require.Equal(t, wire.Term(1), ps.PropTerm)
	require.Equal(t, redo, ps.PropEpochStartLsn)
	require.Equal(t, redo, ps.TruncateLsn)
	require.Equal(t, redo, ps.TimelineStartLsn)
	require.Equal(t, redo, ps.AvailableLsn)
	require.Equal(t, wire.TermHistory{{Term: 1, Lsn: redo}}, ps.PropTermHistory)
	for _, p := range ps.Peers {
		require.Equal(t, Idle, p.State) // election itself doesn't move peers to ACTIVE
	}
}

// S2 — warm restart as the same proposer. Persisted mineLastElectedTerm=7.
// Donor reports history [(1,100),(7,500)], flushLsn=600. Others report
// flushLsn=550 and flushLsn=580.
func TestDetermineEpochStartLsnWarmRestartSameProposer(t *testing.T) {
	donorHistory := wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 7, Lsn: 500}}
	const donorFlush = wire.Lsn(600)

	hooks := &recordingHooks{}
	wal := &fakeWAL{redoStartLsn: donorFlush}
	shmem := &fakeShmem{mineLastElectedTerm: 7}

	ps := &ProposerState{
		PropTerm: 8,
		Config:   &config.Config{},
		Facade: capability.Facade{
			Hooks: hooks,
			WAL:   wal,
			Shmem: shmem,
		},
		Peers: []*Peer{
			idlePeerWithVote(0, wire.VoteResponse{VoteGiven: 1, FlushLsn: donorFlush, History: donorHistory}),
			idlePeerWithVote(1, wire.VoteResponse{VoteGiven: 1, FlushLsn: 550, History: wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 6, Lsn: 400}}}),
			idlePeerWithVote(2, wire.VoteResponse{VoteGiven: 1, FlushLsn: 580, History: wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 6, Lsn: 400}}}),
		},
	}

	require.NoError(t, ps.determineEpochStartLsn())

	require.Equal(t, 0, ps.Donor)
	require.Equal(t, donorFlush, ps.PropEpochStartLsn)
	require.Equal(t, wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 7, Lsn: 500}, {Term: 8, Lsn: donorFlush}}, ps.PropTermHistory)
	require.Equal(t, wire.Term(8), shmem.mineLastElectedTerm) // basebackup check passed, CAS advanced it
}

func TestBasebackupCrossCheckFatalOnDisagreementWithDifferentLastTerm(t *testing.T) {
	donorHistory := wire.TermHistory{{Term: 1, Lsn: 100}, {Term: 6, Lsn: 500}}
	hooks := &recordingHooks{}
	// redoStartLsn disagrees with propEpochStartLsn, and the donor's last
	// term (6) does not match what we persisted (7): this must be fatal.
	wal := &fakeWAL{redoStartLsn: 9999}
	shmem := &fakeShmem{mineLastElectedTerm: 7}

	ps := &ProposerState{
		PropTerm: 8,
		Config:   &config.Config{},
		Facade: capability.Facade{
			Hooks: hooks,
			WAL:   wal,
			Shmem: shmem,
		},
		Peers: []*Peer{
			idlePeerWithVote(0, wire.VoteResponse{VoteGiven: 1, FlushLsn: 600, History: donorHistory}),
			idlePeerWithVote(1, wire.VoteResponse{VoteGiven: 1, FlushLsn: 550, History: donorHistory}),
		},
	}

	err := ps.determineEpochStartLsn()
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}
