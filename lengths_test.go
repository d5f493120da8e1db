package torrent

import (
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLengths(t *testing.T, total, piece, chunk int64) Lengths {
	t.Helper()
	l, err := NewLengthsChunked(total, piece, chunk)
	require.NoError(t, err)
	return l
}

func TestLengthsEvenGeometry(t *testing.T) {
	// 10 pieces of 64 KiB, 4 chunks of 16 KiB each.
	l := mustLengths(t, 10*64<<10, 64<<10, 16<<10)
	qt.Check(t, qt.Equals(l.NumPieces(), 10))
	qt.Check(t, qt.Equals(l.TotalChunks(), 40))
	qt.Check(t, qt.Equals(l.DefaultChunksPerPiece(), int64(4)))
}

func TestLengthsShortFinalPiece(t *testing.T) {
	// Final piece is 20 KiB: 2 chunks, the second only 4 KiB.
	l := mustLengths(t, 2*64<<10+20<<10, 64<<10, 16<<10)
	require.Equal(t, 3, l.NumPieces())
	assert.Equal(t, 4+4+2, l.TotalChunks())

	last, ok := l.ValidatePieceIndex(2)
	require.True(t, ok)
	assert.EqualValues(t, 20<<10, l.PieceLengthAt(last))
	assert.Equal(t, 2, l.ChunksPerPiece(last))
	begin, end := l.ChunkRange(last)
	assert.Equal(t, 8, begin)
	assert.Equal(t, 10, end)
}

func TestValidatePieceIndex(t *testing.T) {
	l := mustLengths(t, 4<<20, 1<<20, 1<<14)
	_, ok := l.ValidatePieceIndex(-1)
	assert.False(t, ok)
	_, ok = l.ValidatePieceIndex(4)
	assert.False(t, ok)
	p, ok := l.ValidatePieceIndex(3)
	require.True(t, ok)
	assert.Equal(t, 3, p.Int())
}

func TestChunkInfoFromReceived(t *testing.T) {
	l := mustLengths(t, 2*64<<10+20<<10, 64<<10, 16<<10)

	ci, ok := l.ChunkInfoFromReceived(ReceivedChunk{Piece: 1, Begin: 16 << 10, Length: 16 << 10})
	require.True(t, ok)
	assert.Equal(t, 1, ci.ChunkIndex)
	assert.Equal(t, 5, ci.AbsoluteIndex)

	// Trailing chunk of the short final piece.
	ci, ok = l.ChunkInfoFromReceived(ReceivedChunk{Piece: 2, Begin: 16 << 10, Length: 4 << 10})
	require.True(t, ok)
	assert.Equal(t, 9, ci.AbsoluteIndex)
	assert.EqualValues(t, 4<<10, ci.Size)

	for _, rc := range []ReceivedChunk{
		{Piece: 3, Begin: 0, Length: 16 << 10},        // piece out of range
		{Piece: 0, Begin: 1, Length: 16 << 10},        // misaligned begin
		{Piece: 0, Begin: 64 << 10, Length: 16 << 10}, // begin past piece
		{Piece: 2, Begin: 16 << 10, Length: 16 << 10}, // wrong trailing length
		{Piece: 1, Begin: -(16 << 10), Length: 16 << 10},
	} {
		_, ok := l.ChunkInfoFromReceived(rc)
		assert.False(t, ok, "rc: %+v", rc)
	}
}

func TestLengthsFromInfoValidatesPieceCount(t *testing.T) {
	info := testInfo("x", 3*32<<10, 32<<10, 3)
	_, err := LengthsFromInfo(&info)
	require.NoError(t, err)
	bad := testInfo("x", 3*32<<10, 32<<10, 2)
	_, err = LengthsFromInfo(&bad)
	require.Error(t, err)
}
