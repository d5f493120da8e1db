// Package metainfo decodes torrent descriptors. The info dictionary is kept
// as raw bencoded bytes alongside the typed form so the info hash survives
// keys we don't model, and so the descriptor can be re-encoded byte for byte.
package metainfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	bencode "github.com/jackpal/bencode-go"
)

// Information about a single file within the torrent.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// DisplayPath is the file's full relative path within the torrent.
func (fi FileInfo) DisplayPath() string {
	return path.Join(fi.Path...)
}

// The typed form of the info dictionary.
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"`
	Files       []FileInfo `bencode:"files"`
}

func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// UpvertedFiles returns the file list with single-file torrents normalized to
// a one-element list named after the torrent.
func (info *Info) UpvertedFiles() []FileInfo {
	if !info.IsDir() {
		return []FileInfo{{
			Length: info.Length,
			Path:   []string{info.Name},
		}}
	}
	return info.Files
}

func (info *Info) TotalLength() (ret int64) {
	if !info.IsDir() {
		return info.Length
	}
	for _, fi := range info.Files {
		ret += fi.Length
	}
	return
}

func (info *Info) NumPieces() int {
	return len(info.Pieces) / HashSize
}

// PieceHash returns the expected SHA-1 for the given piece.
func (info *Info) PieceHash(piece int) (h Hash) {
	copy(h[:], info.Pieces[piece*HashSize:])
	return
}

// MetaInfo is a decoded torrent descriptor. All fields are read-only once
// loaded.
type MetaInfo struct {
	Info         Info
	InfoBytes    []byte
	InfoHash     Hash
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
}

// Trackers flattens the announce tiers into a deduplicated URL list.
func (mi *MetaInfo) Trackers() (ret []string) {
	seen := make(map[string]bool)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			ret = append(ret, u)
		}
	}
	return
}

// Load decodes a torrent descriptor from r.
func Load(r io.Reader) (*MetaInfo, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return LoadFromBytes(b)
}

func LoadFromBytes(b []byte) (*MetaInfo, error) {
	top, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("error decoding descriptor: %w", err)
	}
	d, ok := top.(map[string]interface{})
	if !ok {
		return nil, errors.New("descriptor is not a dictionary")
	}
	infoDict, ok := d["info"].(map[string]interface{})
	if !ok {
		return nil, errors.New("descriptor has no info dictionary")
	}
	// Re-encode the info dictionary through the generic form. Marshalling
	// sorts dictionary keys, giving the canonical bytes the info hash is
	// taken over, and unknown keys survive the round trip.
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoDict); err != nil {
		return nil, fmt.Errorf("error re-encoding info dictionary: %w", err)
	}
	mi := new(MetaInfo)
	var h Hash
	if mi.Info, h, err = ParseInfoBytes(buf.Bytes()); err != nil {
		return nil, err
	}
	mi.InfoBytes = buf.Bytes()
	mi.InfoHash = h
	mi.AnnounceList = announceTiers(d)
	mi.Comment, _ = d["comment"].(string)
	mi.CreatedBy, _ = d["created by"].(string)
	return mi, nil
}

func LoadFromFile(filename string) (*MetaInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// ParseInfoBytes decodes a bare bencoded info dictionary, as obtained from
// metadata exchange or a persisted session, and returns its typed form and
// hash.
func ParseInfoBytes(infoBytes []byte) (info Info, h Hash, err error) {
	if err = bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		err = fmt.Errorf("error decoding info dictionary: %w", err)
		return
	}
	if info.PieceLength <= 0 {
		err = errors.New("bad piece length")
		return
	}
	if len(info.Pieces)%HashSize != 0 {
		err = errors.New("pieces has invalid length")
		return
	}
	h = HashBytes(infoBytes)
	return
}

func announceTiers(d map[string]interface{}) (ret [][]string) {
	if al, ok := d["announce-list"].([]interface{}); ok {
		for _, tier := range al {
			ti, ok := tier.([]interface{})
			if !ok {
				continue
			}
			var urls []string
			for _, u := range ti {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
			if len(urls) != 0 {
				ret = append(ret, urls)
			}
		}
	}
	if len(ret) == 0 {
		if announce, ok := d["announce"].(string); ok && announce != "" {
			ret = [][]string{{announce}}
		}
	}
	return
}
