package torrent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/driftbit/torrent/metainfo"
)

const persistenceInterval = 10 * time.Second

// serializedTorrent is the on-disk form of one managed torrent. The raw info
// dictionary rides along base64 encoded so restoring never needs to resolve
// anything over the network.
type serializedTorrent struct {
	InfoHash     string   `json:"info_hash"`
	Info         string   `json:"info"`
	Trackers     []string `json:"trackers"`
	OutputFolder string   `json:"output_folder"`
	OnlyFiles    []int    `json:"only_files,omitempty"`
	IsPaused     bool     `json:"is_paused"`
}

type serializedSession struct {
	Torrents map[TorrentId]*serializedTorrent `json:"torrents"`
}

func (r *registry) serialize() *serializedSession {
	ret := &serializedSession{Torrents: make(map[TorrentId]*serializedTorrent)}
	r.each(func(id TorrentId, t *Torrent) bool {
		ret.Torrents[id] = &serializedTorrent{
			InfoHash:     t.InfoHash().HexString(),
			Info:         base64.RawStdEncoding.EncodeToString(t.InfoBytes()),
			Trackers:     t.Trackers(),
			OutputFolder: t.OutputFolder(),
			OnlyFiles:    t.OnlyFiles(),
			IsPaused:     t.IsPaused(),
		}
		return true
	})
	return ret
}

// dumpToDisk writes the session snapshot next to its final location and
// renames it into place, so a crash mid-write never corrupts the previous
// snapshot.
func (s *Session) dumpToDisk() error {
	snapshot := s.registry.serialize()
	if err := os.MkdirAll(filepath.Dir(s.persistenceFilename), 0o750); err != nil {
		return err
	}
	tmp := s.persistenceFilename + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "error creating temp session file")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(snapshot)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "error writing session file")
	}
	return os.Rename(tmp, s.persistenceFilename)
}

// taskPersistence periodically snapshots the session, and once more on the
// way out so a clean shutdown never loses state.
func (s *Session) taskPersistence(ctx context.Context) error {
	ticker := time.NewTicker(persistenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.dumpToDisk(); err != nil {
				s.logger.Levelf(log.Error, "error writing final session snapshot: %v", err)
			}
			return nil
		case <-ticker.C:
			if err := s.dumpToDisk(); err != nil {
				s.logger.Levelf(log.Error, "error writing session snapshot: %v", err)
			}
		}
	}
}

// populateFromStored re-adds every torrent from the previous run's snapshot.
// A missing snapshot is a fresh start, not an error. Individual entries that
// fail to restore are logged and skipped so one bad record can't hold the
// rest of the session hostage.
func (s *Session) populateFromStored(ctx context.Context) error {
	b, err := os.ReadFile(s.persistenceFilename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "error reading session file")
	}
	var stored serializedSession
	if err := json.Unmarshal(b, &stored); err != nil {
		return errors.Wrap(err, "error parsing session file")
	}

	var wg sync.WaitGroup
	for id, st := range stored.Torrents {
		id, st := id, st
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.restoreTorrent(ctx, id, st); err != nil {
				s.logger.Levelf(log.Error, "error restoring torrent %v (id %d): %v", st.InfoHash, id, err)
			}
		}()
	}
	wg.Wait()
	s.logger.Levelf(log.Info, "restored %d torrents from %q", s.registry.len(), s.persistenceFilename)
	return nil
}

func (s *Session) restoreTorrent(ctx context.Context, id TorrentId, st *serializedTorrent) error {
	ih, err := metainfo.NewHashFromHex(st.InfoHash)
	if err != nil {
		return errors.Wrap(err, "bad info hash")
	}
	infoBytes, err := base64.RawStdEncoding.DecodeString(st.Info)
	if err != nil {
		return errors.Wrap(err, "error decoding info bytes")
	}
	if got := metainfo.HashBytes(infoBytes); got != ih {
		return fmt.Errorf("info bytes hash to %v, snapshot says %v", got, ih)
	}
	info, _, err := metainfo.ParseInfoBytes(infoBytes)
	if err != nil {
		return errors.Wrap(err, "error parsing info bytes")
	}
	_, err = s.AddTorrent(ctx, addRequestFromRestored(&info, infoBytes, ih, st.Trackers), AddTorrentOptions{
		Paused:       st.IsPaused,
		OnlyFiles:    st.OnlyFiles,
		OutputFolder: st.OutputFolder,
		// Restoring resumes into the files the previous run wrote.
		Overwrite:   true,
		PreferredId: g.Some(id),
	})
	return err
}
