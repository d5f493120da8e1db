package torrent

import (
	"fmt"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/driftbit/torrent/metainfo"
)

type torrentState int

const (
	statePaused torrentState = iota
	stateLive
	stateErrored
)

func (s torrentState) String() string {
	switch s {
	case statePaused:
		return "paused"
	case stateLive:
		return "live"
	case stateErrored:
		return "errored"
	}
	return fmt.Sprintf("torrentState(%d)", int(s))
}

// Torrent is a handle on one managed torrent. Handles are shared between the
// registry, background tasks and callers; the registry is the owner of
// record. Lifecycle transitions are serialized by the handle's own lock,
// everything else on it is immutable after construction.
type Torrent struct {
	infoHash     metainfo.Hash
	info         *metainfo.Info
	infoBytes    []byte
	displayName  string
	trackers     []string
	outputFolder string
	// nil means all files are selected.
	onlyFiles            []int
	overwrite            bool
	disableTrackers      bool
	forceTrackerInterval time.Duration
	peerOpts             PeerConnectionOptions
	lengths              Lengths
	logger               log.Logger

	mu       sync.RWMutex
	state    torrentState
	stateErr error
	live     *LiveTorrent
}

func (t *Torrent) InfoHash() metainfo.Hash { return t.infoHash }

func (t *Torrent) Info() *metainfo.Info { return t.info }

// InfoBytes is the raw bencoded info dictionary, used for persistence and
// metadata exchange.
func (t *Torrent) InfoBytes() []byte { return t.infoBytes }

func (t *Torrent) Name() string {
	if t.info.Name != "" {
		return t.info.Name
	}
	if t.displayName != "" {
		return t.displayName
	}
	return t.infoHash.HexString()
}

func (t *Torrent) Length() int64 { return t.info.TotalLength() }

func (t *Torrent) Lengths() Lengths { return t.lengths }

func (t *Torrent) Trackers() []string { return t.trackers }

func (t *Torrent) OutputFolder() string { return t.outputFolder }

// OnlyFiles returns the selected file indices, or nil if the whole torrent is
// selected.
func (t *Torrent) OnlyFiles() []int { return t.onlyFiles }

func (t *Torrent) String() string {
	return fmt.Sprintf("torrent %v", t.Name())
}

func (t *Torrent) IsPaused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == statePaused
}

// Live returns the live state driver, or nil while the torrent is paused or
// errored.
func (t *Torrent) Live() *LiveTorrent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Err returns the error a torrent in the errored state stopped with.
func (t *Torrent) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateErr
}

func (t *Torrent) setLive(live *LiveTorrent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateLive {
		return fmt.Errorf("torrent is already live")
	}
	t.state = stateLive
	t.stateErr = nil
	t.live = live
	return nil
}

// Pause stops the live driver and returns the torrent to the paused state.
func (t *Torrent) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateLive {
		return fmt.Errorf("cannot pause torrent in state %v", t.state)
	}
	t.live.close()
	t.live = nil
	t.state = statePaused
	return nil
}

func (t *Torrent) setErrored(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live != nil {
		t.live.close()
		t.live = nil
	}
	t.state = stateErrored
	t.stateErr = err
	t.logger.Levelf(log.Error, "torrent %v errored: %v", t.Name(), err)
}

// TorrentStats is a point in time progress snapshot.
type TorrentStats struct {
	TotalPieces    int
	HavePieces     int
	NeededPieces   int
	ReservedPieces int
	TotalBytes     int64
	KnownPeers     int
	State          string
}

func (t *Torrent) Stats() TorrentStats {
	t.mu.RLock()
	live := t.live
	state := t.state
	t.mu.RUnlock()
	stats := TorrentStats{
		TotalPieces: t.lengths.NumPieces(),
		TotalBytes:  t.Length(),
		State:       state.String(),
	}
	if live != nil {
		live.fillStats(&stats)
	}
	return stats
}
