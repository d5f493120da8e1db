package torrent

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDhtServer struct {
	nodes []krpc.NodeInfo
	added []krpc.NodeInfo
}

func (s *stubDhtServer) ID() [20]byte   { return [20]byte{} }
func (s *stubDhtServer) Addr() net.Addr { return &net.UDPAddr{} }

func (s *stubDhtServer) AddNode(ni krpc.NodeInfo) error {
	s.added = append(s.added, ni)
	return nil
}

func (s *stubDhtServer) Nodes() []krpc.NodeInfo { return s.nodes }

func (s *stubDhtServer) Announce(hash [20]byte, port int, impliedPort bool) (DhtAnnounce, error) {
	return nil, nil
}

func (s *stubDhtServer) Close() {}

var _ DhtServer = (*stubDhtServer)(nil)

func TestSaveLoadDhtNodes(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "dht-nodes")
	src := &stubDhtServer{nodes: []krpc.NodeInfo{
		krpc.RandomNodeInfo(4),
		krpc.RandomNodeInfo(4),
	}}
	require.NoError(t, saveDhtNodes(src, filename, log.Default))

	dst := &stubDhtServer{}
	require.NoError(t, loadDhtNodes(dst, filename, log.Default))
	assert.EqualValues(t, src.nodes, dst.added)
	// No temp file left behind.
	_, err := os.Stat(filename + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadDhtNodesMissingFile(t *testing.T) {
	dst := &stubDhtServer{}
	require.NoError(t, loadDhtNodes(dst, filepath.Join(t.TempDir(), "nope"), log.Default))
	assert.Empty(t, dst.added)
}
