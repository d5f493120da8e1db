package torrent

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/driftbit/torrent/internal/bitfield"
)

// ChunkTracker is the per-torrent download bookkeeping state machine. It
// tracks three bit vectors at two granularities:
//
//   - needed: one bit per piece. Set means the piece must still be requested
//     from some peer. It forms the queue piece selection pulls from: the
//     moment a piece is handed out for requesting its bit is cleared.
//   - chunkStatus: one bit per chunk across the whole torrent. Set means the
//     chunk's bytes are accounted for. That does not mean they are valid yet.
//   - have: one bit per piece. Set means fully downloaded and hash verified.
//
// The tracker does no locking of its own. It must be owned and mutated by
// exactly one logical path per torrent, the torrent's live state driver;
// concurrent unsynchronized access is a caller error.
type ChunkTracker struct {
	needed      bitfield.Bitfield
	chunkStatus bitfield.Bitfield
	have        bitfield.Bitfield
	lengths     Lengths
}

// Chunk status is derived from needed pieces, not from have pieces: a piece
// excluded from download scope (file selection) gets its whole chunk range
// pre-set, so "all chunks present" checks double as "piece not wanted"
// checks. This conflates "not selected" with "already have" and is kept that
// way deliberately.
func computeChunkStatus(lengths Lengths, needed bitfield.Bitfield) bitfield.Bitfield {
	cs := bitfield.New(lengths.ChunkBitfieldLen())
	needed.EachUnset(0, lengths.NumPieces(), func(i int) {
		p, ok := lengths.ValidatePieceIndex(i)
		if !ok {
			panic(fmt.Sprintf("piece index %d from needed vector out of geometry", i))
		}
		begin, end := lengths.ChunkRange(p)
		cs.SetRange(begin, end)
	})
	return cs
}

// NewChunkTracker seeds a tracker from the initial needed/have piece vectors.
// Vector lengths must match the geometry.
func NewChunkTracker(needed, have bitfield.Bitfield, lengths Lengths) (*ChunkTracker, error) {
	if needed.Len() != lengths.PieceBitfieldLen() {
		return nil, fmt.Errorf("needed vector has %d bits, geometry wants %d", needed.Len(), lengths.PieceBitfieldLen())
	}
	if have.Len() != lengths.PieceBitfieldLen() {
		return nil, fmt.Errorf("have vector has %d bits, geometry wants %d", have.Len(), lengths.PieceBitfieldLen())
	}
	return &ChunkTracker{
		needed:      needed,
		chunkStatus: computeChunkStatus(lengths, needed),
		have:        have,
		lengths:     lengths,
	}, nil
}

func (t *ChunkTracker) Lengths() Lengths { return t.lengths }

// NeededPieces returns the live needed vector. Callers must not mutate it and
// must not retain it past the tracker's single-owner discipline.
func (t *ChunkTracker) NeededPieces() bitfield.Bitfield { return t.needed }

// HavePieces returns the live verified-piece vector, same caveats as
// NeededPieces.
func (t *ChunkTracker) HavePieces() bitfield.Bitfield { return t.have }

// NeededBitmap snapshots the needed set as a roaring bitmap for piece
// selection strategies to intersect with peer availability.
func (t *ChunkTracker) NeededBitmap() *roaring.Bitmap {
	bm := roaring.NewBitmap()
	t.needed.EachSet(0, t.needed.Len(), func(i int) {
		bm.AddInt(i)
	})
	return bm
}

// ReserveNeededPiece clears the piece's needed bit, marking it as handed out
// for requesting so no second requester picks it up. Chunk status is
// untouched.
func (t *ChunkTracker) ReserveNeededPiece(p ValidPieceIndex) {
	t.needed.Clear(p.Int())
}

// MarkPieceNeeded re-marks a piece for download, clearing every chunk bit in
// its range. Used after a hash verification failure or when a peer
// disconnects before completing the piece. Returns false only on a geometry
// mismatch, which indicates a defect rather than a runtime condition.
func (t *ChunkTracker) MarkPieceNeeded(p ValidPieceIndex) bool {
	t.needed.Set(p.Int())
	begin, end := t.lengths.ChunkRange(p)
	if end > t.chunkStatus.Len() {
		return false
	}
	t.chunkStatus.ClearRange(begin, end)
	return true
}

// MarkChunkReceived records a block received from a peer. ok is false if the
// addressing is invalid, a protocol violation the caller should answer by
// disconnecting the peer. pieceComplete is true exactly when this call set
// the last missing chunk bit of the owning piece; a chunk that was already
// marked is a no-op and never re-triggers completion.
func (t *ChunkTracker) MarkChunkReceived(rc ReceivedChunk) (pieceComplete bool, ok bool) {
	ci, ok := t.lengths.ChunkInfoFromReceived(rc)
	if !ok {
		return false, false
	}
	if t.chunkStatus.Get(ci.AbsoluteIndex) {
		return false, true
	}
	t.chunkStatus.Set(ci.AbsoluteIndex)
	begin, end := t.lengths.ChunkRange(ci.PieceIndex)
	return t.chunkStatus.AllSet(begin, end), true
}

// MarkPieceVerified records that the caller has independently confirmed the
// piece's hash against the descriptor.
func (t *ChunkTracker) MarkPieceVerified(p ValidPieceIndex) {
	t.have.Set(p.Int())
}
