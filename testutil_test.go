package torrent

import (
	"bytes"
	"strings"
	"testing"

	"github.com/anacrolix/log"
	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/driftbit/torrent/metainfo"
)

// testInfo builds a single-file descriptor with junk piece hashes. numPieces
// is explicit so tests can declare geometries that don't add up.
func testInfo(name string, totalLength, pieceLength int64, numPieces int) metainfo.Info {
	return metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      strings.Repeat("01234567890123456789", numPieces),
		Name:        name,
		Length:      totalLength,
	}
}

// testInfoDict is the generic bencode form of info, with the single-file vs
// multi-file shape picked the way real descriptors do it.
func testInfoDict(info metainfo.Info) map[string]interface{} {
	d := map[string]interface{}{
		"piece length": info.PieceLength,
		"pieces":       info.Pieces,
		"name":         info.Name,
	}
	if len(info.Files) == 0 {
		d["length"] = info.Length
		return d
	}
	var files []map[string]interface{}
	for _, f := range info.Files {
		files = append(files, map[string]interface{}{
			"length": f.Length,
			"path":   f.Path,
		})
	}
	d["files"] = files
	return d
}

func bencodeTestInfo(t *testing.T, info metainfo.Info) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, testInfoDict(info))
	require.NoError(t, err)
	return buf.Bytes()
}

// testTorrentFileBytes wraps the info dictionary into a whole .torrent file.
func testTorrentFileBytes(t *testing.T, info metainfo.Info, announce string) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, map[string]interface{}{
		"announce": announce,
		"info":     testInfoDict(info),
	})
	require.NoError(t, err)
	return buf.Bytes()
}

// makeTestTorrent builds a registrable handle whose info bytes genuinely hash
// to its info hash, as persistence restore insists on.
func makeTestTorrent(t *testing.T, name string) *Torrent {
	t.Helper()
	info := testInfo(name, 2*16<<10, 16<<10, 2)
	infoBytes := bencodeTestInfo(t, info)
	parsed, ih, err := metainfo.ParseInfoBytes(infoBytes)
	require.NoError(t, err)
	lengths, err := LengthsFromInfo(&parsed)
	require.NoError(t, err)
	return &Torrent{
		infoHash:     ih,
		info:         &parsed,
		infoBytes:    infoBytes,
		trackers:     []string{"http://tracker.example/announce"},
		outputFolder: t.TempDir(),
		lengths:      lengths,
		logger:       log.Default,
	}
}
