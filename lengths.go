package torrent

import (
	"fmt"

	"github.com/driftbit/torrent/metainfo"
)

// Downloads are requested from peers in chunks of this many bytes unless the
// piece itself is smaller.
const defaultChunkSize = 1 << 14

// Lengths is the immutable geometry of a torrent: how its total length is cut
// into pieces, and pieces into chunks. All piece and chunk indices in this
// package are validated against a Lengths before use.
type Lengths struct {
	totalLength    int64
	pieceLength    int64
	chunkLength    int64
	numPieces      int
	chunksPerPiece int64
	totalChunks    int
}

// NewLengths computes the geometry for a torrent of the given total and piece
// length, with the default chunk size.
func NewLengths(totalLength, pieceLength int64) (Lengths, error) {
	return NewLengthsChunked(totalLength, pieceLength, defaultChunkSize)
}

func NewLengthsChunked(totalLength, pieceLength, chunkLength int64) (l Lengths, err error) {
	if totalLength <= 0 || pieceLength <= 0 || chunkLength <= 0 {
		return l, fmt.Errorf("invalid geometry: total=%d piece=%d chunk=%d", totalLength, pieceLength, chunkLength)
	}
	if chunkLength > pieceLength {
		chunkLength = pieceLength
	}
	l = Lengths{
		totalLength:    totalLength,
		pieceLength:    pieceLength,
		chunkLength:    chunkLength,
		numPieces:      int((totalLength + pieceLength - 1) / pieceLength),
		chunksPerPiece: (pieceLength + chunkLength - 1) / chunkLength,
	}
	for p := 0; p < l.numPieces; p++ {
		plen := l.pieceLengthAt(p)
		l.totalChunks += int((plen + chunkLength - 1) / chunkLength)
	}
	return l, nil
}

// LengthsFromInfo derives geometry from a decoded descriptor, validating the
// piece count against the declared hashes.
func LengthsFromInfo(info *metainfo.Info) (Lengths, error) {
	l, err := NewLengths(info.TotalLength(), info.PieceLength)
	if err != nil {
		return l, err
	}
	if l.numPieces != info.NumPieces() {
		return l, fmt.Errorf(
			"descriptor declares %d piece hashes but lengths imply %d pieces",
			info.NumPieces(), l.numPieces)
	}
	return l, nil
}

func (l Lengths) TotalLength() int64 { return l.totalLength }
func (l Lengths) PieceLength() int64 { return l.pieceLength }
func (l Lengths) ChunkLength() int64 { return l.chunkLength }
func (l Lengths) NumPieces() int     { return l.numPieces }

// TotalChunks is the number of chunks across the whole torrent. The final
// piece may contribute fewer than DefaultChunksPerPiece.
func (l Lengths) TotalChunks() int { return l.totalChunks }

func (l Lengths) DefaultChunksPerPiece() int64 { return l.chunksPerPiece }

// ValidPieceIndex is a piece index that has been range checked against a
// Lengths. Only validated indices are used to slice bit vector ranges.
type ValidPieceIndex struct {
	i int
}

func (v ValidPieceIndex) Int() int { return v.i }

func (v ValidPieceIndex) String() string { return fmt.Sprintf("%d", v.i) }

// ValidatePieceIndex range checks i. An index outside the geometry is a
// protocol or programming error at the call site, not a normal outcome.
func (l Lengths) ValidatePieceIndex(i int) (v ValidPieceIndex, ok bool) {
	if i < 0 || i >= l.numPieces {
		return v, false
	}
	return ValidPieceIndex{i}, true
}

func (l Lengths) pieceLengthAt(i int) int64 {
	if i == l.numPieces-1 {
		if rem := l.totalLength % l.pieceLength; rem != 0 {
			return rem
		}
	}
	return l.pieceLength
}

// PieceLengthAt returns the byte length of the given piece. Only the final
// piece may be shorter than PieceLength.
func (l Lengths) PieceLengthAt(p ValidPieceIndex) int64 {
	return l.pieceLengthAt(p.i)
}

// ChunksPerPiece returns the number of chunks in the given piece.
func (l Lengths) ChunksPerPiece(p ValidPieceIndex) int {
	plen := l.pieceLengthAt(p.i)
	return int((plen + l.chunkLength - 1) / l.chunkLength)
}

// ChunkRange returns the half-open absolute chunk index range covering the
// given piece.
func (l Lengths) ChunkRange(p ValidPieceIndex) (begin, end int) {
	begin = int(int64(p.i) * l.chunksPerPiece)
	end = begin + l.ChunksPerPiece(p)
	return
}

// ChunkInfo addresses one chunk both absolutely and within its piece.
type ChunkInfo struct {
	PieceIndex    ValidPieceIndex
	ChunkIndex    int // within the piece
	AbsoluteIndex int
	Offset        int64 // byte offset within the piece
	Size          int64
}

// ReceivedChunk is the addressing of a block as received from a peer: piece
// index, byte offset within the piece, and payload length.
type ReceivedChunk struct {
	Piece  int
	Begin  int64
	Length int64
}

// ChunkInfoFromReceived resolves a received block to a chunk, or reports
// false if the addressing does not line up with the geometry. Callers should
// treat a failure as a protocol violation by the sending peer.
func (l Lengths) ChunkInfoFromReceived(rc ReceivedChunk) (ci ChunkInfo, ok bool) {
	p, ok := l.ValidatePieceIndex(rc.Piece)
	if !ok {
		return ci, false
	}
	if rc.Begin < 0 || rc.Begin%l.chunkLength != 0 {
		return ci, false
	}
	chunkIndex := int(rc.Begin / l.chunkLength)
	if chunkIndex >= l.ChunksPerPiece(p) {
		return ci, false
	}
	size := l.chunkSizeAt(p, chunkIndex)
	if rc.Length != size {
		return ci, false
	}
	begin, _ := l.ChunkRange(p)
	return ChunkInfo{
		PieceIndex:    p,
		ChunkIndex:    chunkIndex,
		AbsoluteIndex: begin + chunkIndex,
		Offset:        rc.Begin,
		Size:          size,
	}, true
}

func (l Lengths) chunkSizeAt(p ValidPieceIndex, chunkIndex int) int64 {
	plen := l.pieceLengthAt(p.i)
	if rem := plen - int64(chunkIndex)*l.chunkLength; rem < l.chunkLength {
		return rem
	}
	return l.chunkLength
}

// PieceBitfieldLen and ChunkBitfieldLen are the required bit vector lengths
// for this geometry.
func (l Lengths) PieceBitfieldLen() int { return l.numPieces }
func (l Lengths) ChunkBitfieldLen() int { return l.totalChunks }
