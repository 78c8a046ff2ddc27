package walutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shanyp/neon/wire"
)

func openTestStore(t *testing.T, redoStartLsn wire.Lsn) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "wal"), redoStartLsn)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func block(fill byte) []byte {
	b := make([]byte, blockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestAppendThenWalReadRoundTrip(t *testing.T) {
	const base = wire.Lsn(0x1000000)
	s := openTestStore(t, base)

	require.NoError(t, s.Append(base, block(0xAA)))
	require.NoError(t, s.Append(base+blockSize, block(0xBB)))
	require.Equal(t, base+2*blockSize, s.GetFlushRecPtr())

	dst := make([]byte, blockSize)
	require.NoError(t, s.WalRead(0, dst, base))
	require.Equal(t, block(0xAA), dst)

	require.NoError(t, s.WalRead(0, dst, base+blockSize))
	require.Equal(t, block(0xBB), dst)
}

func TestWalReadSpanningBlockBoundary(t *testing.T) {
	const base = wire.Lsn(0x2000000)
	s := openTestStore(t, base)
	require.NoError(t, s.Append(base, block(1)))
	require.NoError(t, s.Append(base+blockSize, block(2)))

	dst := make([]byte, 200)
	start := base + wire.Lsn(blockSize-100)
	require.NoError(t, s.WalRead(0, dst, start))
	require.Equal(t, byte(1), dst[0])
	require.Equal(t, byte(2), dst[150])
}

func TestGetRedoStartLsnAndFlushRecPtrAfterReopen(t *testing.T) {
	const base = wire.Lsn(0x3000000)
	dir := t.TempDir()
	path := filepath.Join(dir, "wal")

	s, err := Open(path, base)
	require.NoError(t, err)
	require.NoError(t, s.Append(base, block(7)))
	require.NoError(t, s.Close())

	s2, err := Open(path, base)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, base, s2.GetRedoStartLsn())
	require.Equal(t, base+blockSize, s2.GetFlushRecPtr())
}

func TestRecoveryDownloadReportsCoverage(t *testing.T) {
	const base = wire.Lsn(0x4000000)
	s := openTestStore(t, base)
	require.NoError(t, s.Append(base, block(9)))

	require.True(t, s.RecoveryDownload(0, wire.UUID{}, base, base+blockSize))
	require.False(t, s.RecoveryDownload(0, wire.UUID{}, base, base+2*blockSize))
}
