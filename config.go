package torrent

import (
	"fmt"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo"
)

// PeerConnectionOptions bound the blocking network operations on peer
// connections. Zero fields fall back to the session defaults when merged.
type PeerConnectionOptions struct {
	ConnectTimeout    time.Duration
	ReadWriteTimeout  time.Duration
	KeepAliveInterval time.Duration
}

func defaultPeerConnectionOptions() PeerConnectionOptions {
	return PeerConnectionOptions{
		ConnectTimeout:    10 * time.Second,
		ReadWriteTimeout:  10 * time.Second,
		KeepAliveInterval: 2 * time.Minute,
	}
}

func (o PeerConnectionOptions) merge(base PeerConnectionOptions) PeerConnectionOptions {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = base.ConnectTimeout
	}
	if o.ReadWriteTimeout == 0 {
		o.ReadWriteTimeout = base.ReadWriteTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = base.KeepAliveInterval
	}
	return o
}

// PortRange is a half-open TCP listen port range [Lo, Hi).
type PortRange struct {
	Lo, Hi uint16
}

// SessionOptions configures a Session at creation.
type SessionOptions struct {
	// Turn on to not create a DHT server. Magnet links cannot be resolved
	// without one.
	DisableDht bool
	// By default the DHT node table is saved beside the session file and
	// reloaded on start so bootstrap doesn't begin from nothing.
	DisableDhtPersistence bool
	// Overrides the node table location.
	DhtNodesFilename string

	// Turn on to dump session contents to a file periodically, so that on
	// next start all remembered torrents continue where they left off.
	Persistence bool
	// Defaults to an OS specific configuration directory.
	PersistenceFilename string

	// If not set a random id with the client prefix is generated.
	PeerID g.Option[PeerID]
	// Defaults for peer connections, can be overridden per torrent.
	PeerOpts PeerConnectionOptions

	// First free port in the range is bound for incoming peer connections.
	// Not set means don't listen.
	ListenPortRange          g.Option[PortRange]
	EnableUpnpPortForwarding bool

	Logger log.Logger
}

// ListenAddrPort is a convenience for tests and single-port setups: it pins
// the listen range to exactly the port of addr.
func (opts *SessionOptions) ListenAddrPort(addr string) error {
	_, port, err := missinggo.ParseHostPort(addr)
	if err != nil {
		return fmt.Errorf("error parsing listen addr: %w", err)
	}
	opts.ListenPortRange = g.Some(PortRange{Lo: uint16(port), Hi: uint16(port) + 1})
	return nil
}

// AddTorrentOptions configure a single AddTorrent call.
type AddTorrentOptions struct {
	// Start in the paused state.
	Paused bool
	// Restrict download to files whose full relative path matches this
	// regular expression. Mutually exclusive with OnlyFiles.
	OnlyFilesRegex string
	// Restrict download to these file indices. Mutually exclusive with
	// OnlyFilesRegex.
	OnlyFiles []int
	// Allow writing on top of existing files, including when resuming a
	// torrent.
	Overwrite bool
	// Only resolve and describe the torrent, don't register or start it.
	ListOnly bool
	// Explicit output folder. Mutually exclusive with SubFolder.
	OutputFolder string
	// Sub-folder within the session's default output folder.
	SubFolder string
	// Overrides session peer connection defaults for this torrent.
	PeerOpts *PeerConnectionOptions
	// Force a refresh interval for polling trackers.
	ForceTrackerInterval time.Duration
	DisableTrackers      bool
	// Peer addresses ("host:port") to start with.
	InitialPeers []string
	// Used when restoring a session from its persisted form.
	PreferredId g.Option[TorrentId]
}
