package torrent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbit/torrent/metainfo"
)

// stubFetcher maps peer addresses to canned metadata responses.
type stubFetcher map[string][]byte

func (f stubFetcher) FetchMetadata(ctx context.Context, addr string, ih metainfo.Hash, opts PeerConnectionOptions) ([]byte, error) {
	if b, ok := f[addr]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("connection refused")
}

func TestReadMetainfoFromPeers(t *testing.T) {
	infoBytes := bencodeTestInfo(t, testInfo("resolved", 16<<10, 16<<10, 1))
	ih := metainfo.HashBytes(infoBytes)
	fetcher := stubFetcher{
		"10.0.0.2:100": []byte("not even bencode"),
		"10.0.0.3:100": infoBytes,
	}
	info, gotBytes, err := readMetainfoFromPeers(
		context.Background(), fetcher, ih,
		[]string{"10.0.0.1:100", "10.0.0.2:100", "10.0.0.3:100"},
		nil, defaultPeerConnectionOptions(), log.Default)
	require.NoError(t, err)
	assert.Equal(t, infoBytes, gotBytes)
	assert.Equal(t, "resolved", info.Name)
}

func TestReadMetainfoFromPeersRejectsWrongHash(t *testing.T) {
	right := bencodeTestInfo(t, testInfo("right", 16<<10, 16<<10, 1))
	wrong := bencodeTestInfo(t, testInfo("wrong", 16<<10, 16<<10, 1))
	ih := metainfo.HashBytes(right)
	fetcher := stubFetcher{"10.0.0.1:100": wrong}
	_, _, err := readMetainfoFromPeers(
		context.Background(), fetcher, ih,
		[]string{"10.0.0.1:100"}, nil, defaultPeerConnectionOptions(), log.Default)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ran out of peers")
}

func TestReadMetainfoFromPeersRunsOut(t *testing.T) {
	ih := metainfo.Hash{1}
	_, _, err := readMetainfoFromPeers(
		context.Background(), stubFetcher{}, ih,
		[]string{"10.0.0.1:100", "10.0.0.2:100"}, nil, defaultPeerConnectionOptions(), log.Default)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ran out of peers")
}

func TestReadMetainfoFromPeersHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// A nil dht channel and no initial peers would block forever without the
	// deadline.
	slow := stubFetcher{}
	dhtPeers := make(chan dht.PeersValues)
	_, _, err := readMetainfoFromPeers(
		ctx, slow, metainfo.Hash{1}, nil, dhtPeers, defaultPeerConnectionOptions(), log.Default)
	require.Error(t, err)
}
