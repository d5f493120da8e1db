package torrent

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/driftbit/torrent/internal/bitfield"
)

// incomingBacklog bounds handed-off peer connections awaiting a consumer.
const incomingBacklog = 16

// LiveTorrent drives one downloading torrent. It owns the chunk tracker and
// is the only mutation path into it; all tracker access goes through the
// driver's lock. Peer connection state machines live with collaborators, the
// driver only hands out piece reservations and accounts for their results.
type LiveTorrent struct {
	t      *Torrent
	ctx    context.Context
	cancel context.CancelFunc
	logger log.Logger

	mu       sync.Mutex
	tracker  *ChunkTracker
	reserved *roaring.Bitmap
	// Peer addresses seen from discovery and caller hints, deduplicated.
	peers map[string]struct{}

	incoming chan IncomingConnection
}

func newLiveTorrent(ctx context.Context, t *Torrent) (*LiveTorrent, error) {
	needed := initialNeededPieces(t)
	have := bitfield.New(t.lengths.PieceBitfieldLen())
	tracker, err := NewChunkTracker(needed, have, t.lengths)
	if err != nil {
		return nil, fmt.Errorf("error building chunk tracker: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &LiveTorrent{
		t:        t,
		ctx:      ctx,
		cancel:   cancel,
		logger:   t.logger.WithContextText(t.Name()),
		tracker:  tracker,
		reserved: roaring.New(),
		peers:    make(map[string]struct{}),
		incoming: make(chan IncomingConnection, incomingBacklog),
	}, nil
}

func (l *LiveTorrent) close() {
	l.cancel()
}

func (l *LiveTorrent) Context() context.Context { return l.ctx }

// Incoming yields peer connections accepted on the session listener that
// handshook for this torrent. The consumer owns each connection it receives.
func (l *LiveTorrent) Incoming() <-chan IncomingConnection {
	return l.incoming
}

func (l *LiveTorrent) addIncoming(ic IncomingConnection) error {
	if l.ctx.Err() != nil {
		return fmt.Errorf("torrent is shutting down")
	}
	select {
	case l.incoming <- ic:
		return nil
	default:
		return fmt.Errorf("incoming connection backlog is full")
	}
}

// AddPeers records peer addresses for connection attempts. Duplicates are
// dropped.
func (l *LiveTorrent) AddPeers(addrs []string) (added int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range addrs {
		if _, ok := l.peers[addr]; ok {
			continue
		}
		l.peers[addr] = struct{}{}
		added++
	}
	return
}

// KnownPeers snapshots all recorded peer addresses.
func (l *LiveTorrent) KnownPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]string, 0, len(l.peers))
	for addr := range l.peers {
		ret = append(ret, addr)
	}
	return ret
}

// ReservePiece hands out a needed, unreserved piece for a peer to download,
// marking it reserved until released or verified.
func (l *LiveTorrent) ReservePiece() (p ValidPieceIndex, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	needed := l.tracker.NeededPieces()
	needed.EachSet(0, needed.Len(), func(i int) {
		if ok || l.reserved.ContainsInt(i) {
			return
		}
		p, ok = l.t.lengths.ValidatePieceIndex(i)
	})
	if ok {
		l.reserved.AddInt(p.Int())
		l.tracker.ReserveNeededPiece(p)
	}
	return
}

// ReleasePiece returns a reservation without progress, usually because the
// peer went away. The piece becomes available to other peers; chunks already
// received for it are kept.
func (l *LiveTorrent) ReleasePiece(p ValidPieceIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved.Remove(uint32(p.Int()))
}

// OnChunkReceived accounts for one downloaded chunk. It reports whether this
// chunk completed its piece, in which case the caller must hash the piece and
// call OnPieceHashed with the outcome. Misaddressed or misaligned chunks are
// an error; duplicates are dropped silently.
func (l *LiveTorrent) OnChunkReceived(rc ReceivedChunk) (pieceComplete bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pieceComplete, ok := l.tracker.MarkChunkReceived(rc)
	if !ok {
		return false, fmt.Errorf("received chunk %+v does not address a valid chunk", rc)
	}
	return pieceComplete, nil
}

// OnPieceHashed finishes a completed piece. A good hash marks the piece verified;
// a bad one logs, clears the piece's chunks and re-queues it for download.
// Either way the reservation is dropped.
func (l *LiveTorrent) OnPieceHashed(p ValidPieceIndex, valid bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved.Remove(uint32(p.Int()))
	if valid {
		l.tracker.MarkPieceVerified(p)
		return
	}
	l.logger.Levelf(log.Warning, "piece %d failed hash check, re-queueing", p.Int())
	if !l.tracker.MarkPieceNeeded(p) {
		l.logger.Levelf(log.Error, "could not re-queue piece %d", p.Int())
	}
}

// NeededBitmap snapshots the pieces still wanted, including reserved ones.
func (l *LiveTorrent) NeededBitmap() *roaring.Bitmap {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.NeededBitmap()
}

// IsFinished reports whether nothing remains to download.
func (l *LiveTorrent) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.NeededPieces().Count() == 0
}

// initialNeededPieces seeds the needed vector from the torrent's file
// selection. With no selection every piece is needed; otherwise a piece is
// needed iff its byte range overlaps a selected file.
func initialNeededPieces(t *Torrent) bitfield.Bitfield {
	needed := bitfield.New(t.lengths.PieceBitfieldLen())
	if t.onlyFiles == nil {
		needed.SetRange(0, needed.Len())
		return needed
	}
	selected := make(map[int]bool, len(t.onlyFiles))
	for _, i := range t.onlyFiles {
		selected[i] = true
	}
	var offset int64
	for i, f := range t.info.UpvertedFiles() {
		if selected[i] && f.Length > 0 {
			first := int(offset / t.lengths.PieceLength())
			last := int((offset + f.Length - 1) / t.lengths.PieceLength())
			needed.SetRange(first, last+1)
		}
		offset += f.Length
	}
	return needed
}

func (l *LiveTorrent) fillStats(stats *TorrentStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats.HavePieces = l.tracker.HavePieces().Count()
	stats.NeededPieces = l.tracker.NeededPieces().Count()
	stats.ReservedPieces = int(l.reserved.GetCardinality())
	stats.KnownPeers = len(l.peers)
}
