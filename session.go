package torrent

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
)

const (
	// How long Stop waits for background tasks before giving up on them.
	stopGracePeriod = time.Second

	dhtNodesSaveInterval = 3 * time.Minute
	dhtReannounceDelay   = 5 * time.Minute
)

// Session owns the torrent registry and the shared machinery around it: the
// peer listener, the DHT node, persistence, and the background tasks driving
// them. Create with NewSession or NewSessionWithOpts, dispose with Stop.
type Session struct {
	peerID              PeerID
	peerOpts            PeerConnectionOptions
	outputFolder        string
	persistenceFilename string
	logger              log.Logger

	registry *registry
	fetcher  MetadataFetcher

	dht              DhtServer
	dhtNodesFilename string

	listener   net.Listener
	listenPort int

	ctx    context.Context
	cancel context.CancelFunc
	closed chansync.SetOnce
	tasks  sync.WaitGroup
}

// NewSession creates a session with default options, downloading into
// outputFolder.
func NewSession(ctx context.Context, outputFolder string) (*Session, error) {
	return NewSessionWithOpts(ctx, outputFolder, SessionOptions{})
}

func NewSessionWithOpts(ctx context.Context, outputFolder string, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	peerID := generatePeerID()
	if opts.PeerID.Ok {
		peerID = opts.PeerID.Value
	}
	persistenceFilename := opts.PersistenceFilename
	if persistenceFilename == "" {
		var err error
		persistenceFilename, err = defaultPersistenceFilename()
		if err != nil {
			return nil, err
		}
	}
	dhtNodesFilename := opts.DhtNodesFilename
	if dhtNodesFilename == "" {
		dhtNodesFilename = filepath.Join(filepath.Dir(persistenceFilename), "dht-nodes")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		peerID:              peerID,
		peerOpts:            opts.PeerOpts.merge(defaultPeerConnectionOptions()),
		outputFolder:        outputFolder,
		persistenceFilename: persistenceFilename,
		logger:              logger,
		registry:            newRegistry(logger),
		fetcher:             wireMetadataFetcher{peerID: peerID},
		dhtNodesFilename:    dhtNodesFilename,
		ctx:                 ctx,
		cancel:              cancel,
	}

	fail := func(err error) (*Session, error) {
		cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		return nil, err
	}

	if opts.ListenPortRange.Ok {
		if err := s.bindListener(opts.ListenPortRange.Value); err != nil {
			return fail(err)
		}
		s.logger.Levelf(log.Info, "listening for peers on %v", s.listener.Addr())
	}

	if !opts.DisableDht {
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return fail(errors.Wrap(err, "error binding dht socket"))
		}
		s.dht, err = newDhtServer(conn, logger)
		if err != nil {
			conn.Close()
			return fail(errors.Wrap(err, "error creating dht server"))
		}
		if !opts.DisableDhtPersistence {
			if err := loadDhtNodes(s.dht, s.dhtNodesFilename, logger); err != nil {
				s.logger.Levelf(log.Warning, "error loading dht node table: %v", err)
			}
			s.spawn("dht persistence", s.taskDhtPersistence)
		}
	}

	if opts.Persistence {
		// A broken snapshot costs the stored torrents, not the session.
		if err := s.populateFromStored(ctx); err != nil {
			s.logger.Levelf(log.Error, "error restoring session, starting empty: %v", err)
		}
		s.spawn("session persistence", s.taskPersistence)
	}
	if s.listener != nil {
		s.spawn("peer listener", s.taskListener)
		if opts.EnableUpnpPortForwarding {
			s.spawn("upnp port forwarding", s.taskPortForward)
		}
	}
	return s, nil
}

func defaultPersistenceFilename() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "error locating user config dir")
	}
	return filepath.Join(dir, "driftbit", "session.json"), nil
}

// bindListener takes the first free port in the range.
func (s *Session) bindListener(r PortRange) error {
	for port := r.Lo; port < r.Hi; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.logger.Levelf(log.Debug, "port %d is taken: %v", port, err)
			continue
		}
		s.listener = l
		// The addr, not the requested port, so a range of {0, 1} binds an
		// ephemeral port.
		s.listenPort = l.Addr().(*net.TCPAddr).Port
		return nil
	}
	return fmt.Errorf("no free port in range [%d, %d)", r.Lo, r.Hi)
}

// spawn runs a background task, tracking it for Stop and logging its exit.
func (s *Session) spawn(name string, f func(context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		err := f(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Levelf(log.Error, "task %q exited: %v", name, err)
			return
		}
		s.logger.Levelf(log.Debug, "task %q finished", name)
	}()
}

// Stop pauses every torrent best effort, halts background tasks and releases
// the session's sockets. Tasks that don't exit within the grace period are
// abandoned.
func (s *Session) Stop() {
	if !s.closed.Set() {
		return
	}
	s.registry.each(func(id TorrentId, t *Torrent) bool {
		if err := t.Pause(); err != nil {
			s.logger.Levelf(log.Debug, "pausing %v on shutdown: %v", t.Name(), err)
		}
		return true
	})
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.dht != nil {
		if err := saveDhtNodes(s.dht, s.dhtNodesFilename, s.logger); err != nil {
			s.logger.Levelf(log.Warning, "error saving dht node table: %v", err)
		}
		s.dht.Close()
	}
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		s.logger.Levelf(log.Warning, "giving up waiting on background tasks")
	}
}

// Get returns the torrent registered under id, or nil.
func (s *Session) Get(id TorrentId) *Torrent {
	return s.registry.get(id)
}

// WithTorrents calls f for each managed torrent until it returns false.
func (s *Session) WithTorrents(f func(id TorrentId, t *Torrent) bool) {
	s.registry.each(f)
}

// Unpause starts a paused torrent.
func (s *Session) Unpause(id TorrentId) error {
	t := s.registry.get(id)
	if t == nil {
		return fmt.Errorf("no torrent with id %d", id)
	}
	return s.startTorrent(t, nil)
}

// Delete forgets the torrent, pausing it first, and optionally removes its
// files from disk.
func (s *Session) Delete(id TorrentId, deleteFiles bool) error {
	t := s.registry.remove(id)
	if t == nil {
		return fmt.Errorf("no torrent with id %d", id)
	}
	if err := t.Pause(); err != nil {
		s.logger.Levelf(log.Debug, "pausing %v for deletion: %v", t.Name(), err)
	}
	s.logger.Levelf(log.Info, "deleted torrent %v (id %d)", t.Name(), id)
	if deleteFiles {
		s.deleteTorrentFiles(t)
	}
	return nil
}

// deleteTorrentFiles removes the torrent's files and whatever directories
// emptied out behind them. Failures are logged, not returned: the torrent is
// already gone from the session.
func (s *Session) deleteTorrentFiles(t *Torrent) {
	for _, f := range t.Info().UpvertedFiles() {
		p := filepath.Join(t.OutputFolder(), f.DisplayPath())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Levelf(log.Warning, "error deleting %q: %v", p, err)
		}
	}
	if t.Info().IsDir() {
		// Best effort, fails on non-empty directories.
		os.Remove(t.OutputFolder())
	}
}

// startTorrent transitions a torrent to live and kicks off peer discovery
// for it.
func (s *Session) startTorrent(t *Torrent, initialPeers []string) error {
	live, err := newLiveTorrent(s.ctx, t)
	if err != nil {
		return err
	}
	if err := t.setLive(live); err != nil {
		live.close()
		return err
	}
	live.AddPeers(initialPeers)
	if s.dht != nil {
		s.spawn(fmt.Sprintf("dht announce %v", t.InfoHash()), func(ctx context.Context) error {
			return s.taskDhtAnnounce(live)
		})
	}
	return nil
}

// taskDhtAnnounce repeatedly announces the torrent and feeds discovered
// peers to its live driver, until the driver goes away.
func (s *Session) taskDhtAnnounce(live *LiveTorrent) error {
	for {
		err := s.announceOnce(live)
		if err != nil {
			live.logger.Levelf(log.Warning, "error announcing to dht: %v", err)
		}
		select {
		case <-live.ctx.Done():
			return nil
		case <-time.After(dhtReannounceDelay):
		}
	}
}

func (s *Session) announceOnce(live *LiveTorrent) error {
	ann, err := s.dht.Announce(live.t.InfoHash(), s.listenPort, s.listenPort == 0)
	if err != nil {
		return err
	}
	defer ann.Close()
	timeout := time.After(dhtReannounceDelay)
	for {
		select {
		case <-live.ctx.Done():
			return nil
		case <-timeout:
			return nil
		case pv, ok := <-ann.Peers():
			if !ok {
				return nil
			}
			var addrs []string
			for _, p := range pv.Peers {
				if p.Port == 0 {
					continue
				}
				addrs = append(addrs, net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port)))
			}
			if n := live.AddPeers(addrs); n > 0 {
				live.logger.Levelf(log.Debug, "added %d peers from dht", n)
			}
		}
	}
}

// taskDhtPersistence periodically saves the node table, and once more at
// shutdown via Stop.
func (s *Session) taskDhtPersistence(ctx context.Context) error {
	ticker := time.NewTicker(dhtNodesSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := saveDhtNodes(s.dht, s.dhtNodesFilename, s.logger); err != nil {
				s.logger.Levelf(log.Warning, "error saving dht node table: %v", err)
			}
		}
	}
}
