package torrent

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
)

// DhtServer is the subset of the DHT node the session needs: announcing
// torrents to discover peers, and node table maintenance for persistence.
type DhtServer interface {
	ID() [20]byte
	Addr() net.Addr
	AddNode(ni krpc.NodeInfo) error
	Nodes() []krpc.NodeInfo
	Announce(hash [20]byte, port int, impliedPort bool) (DhtAnnounce, error)
	Close()
}

// DhtAnnounce is an ongoing announce traversal yielding peers for one info
// hash.
type DhtAnnounce interface {
	Close()
	Peers() <-chan dht.PeersValues
}

type anacrolixDhtServerWrapper struct {
	*dht.Server
}

type anacrolixDhtAnnounceWrapper struct {
	*dht.Announce
}

func (me anacrolixDhtAnnounceWrapper) Peers() <-chan dht.PeersValues {
	return me.Announce.Peers
}

func (me anacrolixDhtServerWrapper) Announce(hash [20]byte, port int, impliedPort bool) (DhtAnnounce, error) {
	ann, err := me.Server.Announce(hash, port, impliedPort)
	return anacrolixDhtAnnounceWrapper{ann}, err
}

func (me anacrolixDhtServerWrapper) Close() {
	me.Server.Close()
}

var _ DhtServer = anacrolixDhtServerWrapper{}

func newDhtServer(conn net.PacketConn, logger log.Logger) (DhtServer, error) {
	s, err := dht.NewServer(&dht.ServerConfig{
		Conn: conn,
		StartingNodes: func() ([]dht.Addr, error) {
			return dht.GlobalBootstrapAddrs("udp")
		},
		Logger: logger.WithContextText(fmt.Sprintf("dht %v", conn.LocalAddr())),
	})
	if err != nil {
		return nil, err
	}
	go func() {
		ts, err := s.Bootstrap()
		if err != nil {
			logger.Levelf(log.Warning, "error bootstrapping dht: %v", err)
			return
		}
		logger.Levelf(log.Debug, "dht bootstrap complete: %v", ts)
	}()
	return anacrolixDhtServerWrapper{s}, nil
}

// saveDhtNodes writes the server's good nodes in compact form so the next
// start doesn't bootstrap from nothing. Written to a temporary file beside
// the target and renamed into place.
func saveDhtNodes(s DhtServer, filename string, logger log.Logger) error {
	nodes := krpc.CompactIPv4NodeInfo(s.Nodes())
	b, err := nodes.MarshalBinary()
	if err != nil {
		return fmt.Errorf("error marshalling node infos: %w", err)
	}
	tmp := filename + ".tmp"
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	logger.Levelf(log.Debug, "saved %d dht nodes to %q", len(nodes), filename)
	return nil
}

// loadDhtNodes seeds the server from a previously saved node table. A missing
// file is not an error.
func loadDhtNodes(s DhtServer, filename string, logger log.Logger) error {
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var nodes krpc.CompactIPv4NodeInfo
	if err := nodes.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("error unmarshalling node infos: %w", err)
	}
	added := 0
	for _, ni := range nodes {
		if err := s.AddNode(ni); err != nil {
			logger.Levelf(log.Debug, "error adding node %v: %v", ni, err)
			continue
		}
		added++
	}
	logger.Levelf(log.Debug, "loaded %d dht nodes from %q", added, filename)
	return nil
}
