package torrent

import (
	"context"
	"fmt"
	"net"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"golang.org/x/sync/semaphore"

	"github.com/driftbit/torrent/metainfo"
)

// MetadataFetcher obtains the raw bencoded info dictionary for one info hash
// from a single peer. Implementations own the connection for the duration of
// the call.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, addr string, ih metainfo.Hash, opts PeerConnectionOptions) ([]byte, error)
}

const metadataFetchConcurrency = 8

// readMetainfoFromPeers resolves a magnet link's info dictionary by asking
// peers for it: the initial addresses first, then whatever the DHT announce
// turns up. Attempts run concurrently, bounded, and deduplicated by address.
// The first payload whose SHA-1 matches the info hash wins. dhtPeers may be
// nil when the DHT is disabled, in which case only initial peers are tried.
func readMetainfoFromPeers(
	ctx context.Context,
	fetcher MetadataFetcher,
	ih metainfo.Hash,
	initialPeers []string,
	dhtPeers <-chan dht.PeersValues,
	peerOpts PeerConnectionOptions,
	logger log.Logger,
) (*metainfo.Info, []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addrs := make(chan string)
	go feedPeerAddrs(ctx, addrs, initialPeers, dhtPeers)

	type fetchResult struct {
		addr  string
		bytes []byte
		err   error
	}
	sem := semaphore.NewWeighted(metadataFetchConcurrency)
	// Buffered so a finishing fetcher never blocks the dispatch loop.
	results := make(chan fetchResult, metadataFetchConcurrency)

	outstanding := 0
	for {
		if addrs == nil && outstanding == 0 {
			return nil, nil, fmt.Errorf("ran out of peers to read metadata from")
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case addr, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, nil, err
			}
			outstanding++
			go func() {
				defer sem.Release(1)
				b, err := fetcher.FetchMetadata(ctx, addr, ih, peerOpts)
				results <- fetchResult{addr: addr, bytes: b, err: err}
			}()
		case res := <-results:
			outstanding--
			if res.err != nil {
				logger.Levelf(log.Debug, "error reading metadata from %v: %v", res.addr, res.err)
				continue
			}
			if got := metainfo.HashBytes(res.bytes); got != ih {
				logger.Levelf(log.Warning, "peer %v sent metadata hashing to %v, wanted %v", res.addr, got, ih)
				continue
			}
			info, _, err := metainfo.ParseInfoBytes(res.bytes)
			if err != nil {
				logger.Levelf(log.Warning, "peer %v sent undecodable metadata: %v", res.addr, err)
				continue
			}
			return &info, res.bytes, nil
		}
	}
}

// feedPeerAddrs merges initial addresses and DHT announce results into out,
// deduplicated. out is closed once both sources are exhausted.
func feedPeerAddrs(ctx context.Context, out chan<- string, initial []string, dhtPeers <-chan dht.PeersValues) {
	defer close(out)
	seen := make(map[string]struct{})
	emit := func(addr string) bool {
		if _, ok := seen[addr]; ok {
			return true
		}
		seen[addr] = struct{}{}
		select {
		case out <- addr:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, addr := range initial {
		if !emit(addr) {
			return
		}
	}
	if dhtPeers == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case pv, ok := <-dhtPeers:
			if !ok {
				return
			}
			for _, p := range pv.Peers {
				if p.Port == 0 {
					continue
				}
				addr := net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
				if !emit(addr) {
					return
				}
			}
		}
	}
}
