package torrent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbit/torrent/metainfo"
)

func newTestSession(t *testing.T, opts SessionOptions) *Session {
	t.Helper()
	opts.DisableDht = true
	if opts.PersistenceFilename == "" {
		opts.PersistenceFilename = filepath.Join(t.TempDir(), "session.json")
	}
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	s, err := NewSessionWithOpts(context.Background(), t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func addPausedTestTorrent(t *testing.T, s *Session, name string) *AddTorrentResponse {
	t.Helper()
	b := testTorrentFileBytes(t, testInfo(name, 2*16<<10, 16<<10, 2), "http://tracker.example/announce")
	resp, err := s.AddTorrent(context.Background(), AddRequestFromBytes(b), AddTorrentOptions{Paused: true})
	require.NoError(t, err)
	return resp
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.json")
	s1 := newTestSession(t, SessionOptions{PersistenceFilename: filename})
	addPausedTestTorrent(t, s1, "first")
	// A live entry with its own tracker and a file subset, so the round trip
	// covers is_paused, trackers and only_files differing per entry.
	b := testTorrentFileBytes(t, metainfo.Info{
		PieceLength: 32 << 10,
		Pieces:      testInfo("", 0, 0, 2).Pieces,
		Name:        "mixed",
		Files: []metainfo.FileInfo{
			{Length: 32 << 10, Path: []string{"a.bin"}},
			{Length: 32 << 10, Path: []string{"b.bin"}},
		},
	}, "udp://other.example:6969/announce")
	live, err := s1.AddTorrent(context.Background(), AddRequestFromBytes(b), AddTorrentOptions{
		OnlyFiles: []int{1},
	})
	require.NoError(t, err)
	require.False(t, live.Torrent.IsPaused())
	require.NoError(t, s1.dumpToDisk())
	before := s1.registry.serialize()
	s1.Stop()

	s2 := newTestSession(t, SessionOptions{
		PersistenceFilename: filename,
		Persistence:         true,
	})
	after := s2.registry.serialize()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("restored session differs (-before +after):\n%s", diff)
	}
}

func TestSessionPersistenceMissingFileIsFreshStart(t *testing.T) {
	s := newTestSession(t, SessionOptions{
		PersistenceFilename: filepath.Join(t.TempDir(), "nope", "session.json"),
		Persistence:         true,
	})
	assert.Zero(t, s.registry.len())
}

func TestRestoreSkipsBrokenEntries(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.json")
	s1 := newTestSession(t, SessionOptions{PersistenceFilename: filename})
	good := addPausedTestTorrent(t, s1, "good")
	require.NoError(t, s1.dumpToDisk())
	s1.Stop()

	// Corrupt one entry in place: its info bytes no longer hash to the
	// declared info hash.
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	var stored serializedSession
	require.NoError(t, json.Unmarshal(b, &stored))
	stored.Torrents[999] = &serializedTorrent{
		InfoHash: "00000000000000000000ffffffffffffffffffff",
		Info:     stored.Torrents[good.Id].Info,
	}
	b, err = json.Marshal(&stored)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filename, b, 0o640))

	s2 := newTestSession(t, SessionOptions{
		PersistenceFilename: filename,
		Persistence:         true,
	})
	assert.Equal(t, 1, s2.registry.len())
	restored := s2.Get(good.Id)
	require.NotNil(t, restored)
	assert.Equal(t, good.Torrent.InfoHash(), restored.InfoHash())
	assert.True(t, restored.IsPaused())
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(filename, []byte("{not json"), 0o640))
	s := newTestSession(t, SessionOptions{
		PersistenceFilename: filename,
		Persistence:         true,
	})
	assert.Zero(t, s.registry.len())
}

func TestDumpToDiskIsAtomic(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "session.json")
	s := newTestSession(t, SessionOptions{PersistenceFilename: filename})
	addPausedTestTorrent(t, s, "one")
	require.NoError(t, s.dumpToDisk())
	// No temp file left behind.
	_, err := os.Stat(filename + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filename)
	assert.NoError(t, err)
}
