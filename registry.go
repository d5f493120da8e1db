package torrent

import (
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/driftbit/torrent/metainfo"
)

// TorrentId identifies a torrent within one session. Ids are process local
// and monotonically assigned, except when restoring a persisted session,
// which re-adds torrents under their original ids.
type TorrentId = int

// registry is the canonical set of managed torrents. Reads (lookup,
// enumeration, serialization) may proceed concurrently; structural writes are
// exclusive. Handles are shared: removal returns the handle so the caller can
// finish pause and file deletion on it.
type registry struct {
	mu     sync.RWMutex
	nextId TorrentId
	m      map[TorrentId]*Torrent
	logger log.Logger
}

func newRegistry(logger log.Logger) *registry {
	return &registry{
		m:      make(map[TorrentId]*Torrent),
		logger: logger,
	}
}

// insert registers t, unless a torrent with the same info hash already
// exists, in which case the existing id and handle are returned unchanged.
// A preferred id that is already taken is logged and ignored.
func (r *registry) insert(t *Torrent, preferred g.Option[TorrentId]) (id TorrentId, existing *Torrent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, have := range r.m {
		if have.InfoHash() == t.InfoHash() {
			return id, have
		}
	}
	return r.add(t, preferred), nil
}

// add assigns an id with the lock already held exclusively.
func (r *registry) add(t *Torrent, preferred g.Option[TorrentId]) TorrentId {
	if preferred.Ok {
		id := preferred.Value
		if _, taken := r.m[id]; taken {
			r.logger.Levelf(log.Warning, "id %d already present, ignoring preferred id", id)
		} else {
			r.m[id] = t
			// Ids below the counter don't advance it, auto-assignment
			// continues where it was.
			if id >= r.nextId {
				r.nextId = id + 1
			}
			return id
		}
	}
	id := r.nextId
	r.m[id] = t
	r.nextId++
	return id
}

func (r *registry) get(id TorrentId) *Torrent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[id]
}

// remove deletes the entry and returns the handle, or nil if absent.
func (r *registry) remove(id TorrentId) *Torrent {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.m[id]
	delete(r.m, id)
	return t
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// each calls f under the read lock until it returns false.
func (r *registry) each(f func(id TorrentId, t *Torrent) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, t := range r.m {
		if !f(id, t) {
			return
		}
	}
}

func (r *registry) byInfoHash(h metainfo.Hash) (t *Torrent) {
	r.each(func(_ TorrentId, cand *Torrent) bool {
		if cand.InfoHash() == h {
			t = cand
			return false
		}
		return true
	})
	return
}
