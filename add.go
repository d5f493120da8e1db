package torrent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/driftbit/torrent/metainfo"
)

// How long a magnet link resolution may take before the add fails.
const metadataResolveTimeout = 2 * time.Minute

// AddRequest names a torrent to add: a magnet link, an HTTP(S) URL to a
// .torrent file, or the raw .torrent bytes. Construct with one of the
// AddRequestFrom helpers.
type AddRequest struct {
	url   string
	bytes []byte

	// Set when restoring from a persisted session, bypassing resolution.
	info      *metainfo.Info
	infoBytes []byte
	infoHash  metainfo.Hash
	trackers  []string
}

func AddRequestFromURL(url string) AddRequest {
	return AddRequest{url: url}
}

func AddRequestFromBytes(b []byte) AddRequest {
	return AddRequest{bytes: b}
}

// AddRequestFromCliArgument accepts whatever a user might paste: a magnet
// link, an HTTP(S) URL, "-" for standard input, or a local file path.
func AddRequestFromCliArgument(arg string) (AddRequest, error) {
	if strings.HasPrefix(arg, "magnet:") || strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return AddRequestFromURL(arg), nil
	}
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return AddRequest{}, fmt.Errorf("error reading stdin: %w", err)
		}
		return AddRequestFromBytes(b), nil
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return AddRequest{}, fmt.Errorf("error reading torrent file: %w", err)
	}
	return AddRequestFromBytes(b), nil
}

func addRequestFromRestored(info *metainfo.Info, infoBytes []byte, ih metainfo.Hash, trackers []string) AddRequest {
	return AddRequest{
		info:      info,
		infoBytes: infoBytes,
		infoHash:  ih,
		trackers:  trackers,
	}
}

// ListOnlyFile describes one file of a listed torrent and whether the
// requested selection includes it.
type ListOnlyFile struct {
	Path     string
	Length   int64
	Included bool
}

type ListOnlyResponse struct {
	InfoHash   metainfo.Hash
	Name       string
	TotalBytes int64
	Files      []ListOnlyFile
}

type AddTorrentResponse struct {
	Id      TorrentId
	Torrent *Torrent
	// Set when a torrent with the same info hash was already registered; Id
	// and Torrent then refer to the existing entry.
	AlreadyManaged bool
	// Set instead of Id/Torrent when the request was list-only.
	ListOnly *ListOnlyResponse
}

// resolvedTorrent is an AddRequest carried past resolution: the descriptor is
// known, registration hasn't happened yet.
type resolvedTorrent struct {
	info        *metainfo.Info
	infoBytes   []byte
	infoHash    metainfo.Hash
	trackers    []string
	displayName string
}

// AddTorrent resolves the request to a descriptor, applies the options and
// registers the torrent, starting it unless opts.Paused. Adding an info hash
// that is already managed returns the existing entry with AlreadyManaged set.
func (s *Session) AddTorrent(ctx context.Context, req AddRequest, opts AddTorrentOptions) (*AddTorrentResponse, error) {
	res, err := s.resolveAddRequest(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	lengths, err := LengthsFromInfo(res.info)
	if err != nil {
		return nil, errors.Wrap(err, "invalid torrent descriptor")
	}
	onlyFiles, err := selectFiles(res.info, opts)
	if err != nil {
		return nil, err
	}

	if opts.ListOnly {
		return &AddTorrentResponse{ListOnly: listTorrent(res, onlyFiles)}, nil
	}

	outputFolder, err := s.computeOutputFolder(res, opts)
	if err != nil {
		return nil, err
	}
	if !opts.Overwrite {
		if err := checkNoExistingFiles(res.info, outputFolder, onlyFiles); err != nil {
			return nil, err
		}
	}

	trackers := res.trackers
	if opts.DisableTrackers {
		trackers = nil
	}
	peerOpts := s.peerOpts
	if opts.PeerOpts != nil {
		peerOpts = opts.PeerOpts.merge(peerOpts)
	}
	t := &Torrent{
		infoHash:             res.infoHash,
		info:                 res.info,
		infoBytes:            res.infoBytes,
		displayName:          res.displayName,
		trackers:             trackers,
		outputFolder:         outputFolder,
		onlyFiles:            onlyFiles,
		overwrite:            opts.Overwrite,
		disableTrackers:      opts.DisableTrackers,
		forceTrackerInterval: opts.ForceTrackerInterval,
		peerOpts:             peerOpts,
		lengths:              lengths,
		logger:               s.logger,
	}

	id, existing := s.registry.insert(t, opts.PreferredId)
	if existing != nil {
		s.logger.Levelf(log.Info, "torrent %v already managed as id %d", res.infoHash, id)
		return &AddTorrentResponse{Id: id, Torrent: existing, AlreadyManaged: true}, nil
	}
	s.logger.Levelf(log.Info, "added torrent %v as id %d", t.Name(), id)

	if !opts.Paused {
		if err := s.startTorrent(t, opts.InitialPeers); err != nil {
			t.setErrored(err)
		}
	}
	return &AddTorrentResponse{Id: id, Torrent: t}, nil
}

func (s *Session) resolveAddRequest(ctx context.Context, req AddRequest, opts AddTorrentOptions) (res resolvedTorrent, err error) {
	switch {
	case req.info != nil:
		return resolvedTorrent{
			info:      req.info,
			infoBytes: req.infoBytes,
			infoHash:  req.infoHash,
			trackers:  req.trackers,
		}, nil
	case strings.HasPrefix(req.url, "magnet:"):
		return s.resolveMagnet(ctx, req.url, opts)
	case req.url != "":
		b, err := fetchTorrentFile(ctx, req.url)
		if err != nil {
			return res, err
		}
		return resolveTorrentBytes(b)
	case req.bytes != nil:
		return resolveTorrentBytes(req.bytes)
	}
	return res, fmt.Errorf("empty add request")
}

func resolveTorrentBytes(b []byte) (res resolvedTorrent, err error) {
	mi, err := metainfo.LoadFromBytes(b)
	if err != nil {
		return res, errors.Wrap(err, "error parsing torrent file")
	}
	return resolvedTorrent{
		info:      &mi.Info,
		infoBytes: mi.InfoBytes,
		infoHash:  mi.InfoHash,
		trackers:  mi.Trackers(),
	}, nil
}

func (s *Session) resolveMagnet(ctx context.Context, uri string, opts AddTorrentOptions) (res resolvedTorrent, err error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return res, errors.Wrap(err, "error parsing magnet link")
	}
	if s.dht == nil && len(opts.InitialPeers) == 0 {
		return res, fmt.Errorf("cannot resolve magnet link: dht is disabled and no initial peers given")
	}
	ctx, cancel := context.WithTimeout(ctx, metadataResolveTimeout)
	defer cancel()

	var ann DhtAnnounce
	if s.dht != nil {
		ann, err = s.dht.Announce(m.InfoHash, s.listenPort, s.listenPort == 0)
		if err != nil {
			return res, errors.Wrap(err, "error announcing to dht")
		}
		defer ann.Close()
	}
	peerOpts := s.peerOpts
	if opts.PeerOpts != nil {
		peerOpts = opts.PeerOpts.merge(peerOpts)
	}
	peersChan := annPeersOrNil(ann)
	info, infoBytes, err := readMetainfoFromPeers(
		ctx, s.fetcher, m.InfoHash, opts.InitialPeers, peersChan, peerOpts,
		s.logger.WithContextText(m.InfoHash.HexString()))
	if err != nil {
		return res, errors.Wrap(err, "error reading metadata from peers")
	}
	return resolvedTorrent{
		info:        info,
		infoBytes:   infoBytes,
		infoHash:    m.InfoHash,
		trackers:    m.Trackers,
		displayName: m.DisplayName,
	}, nil
}

func fetchTorrentFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "error fetching torrent file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching torrent file: unexpected status %v", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
}

// selectFiles resolves the file selection options to indices, or nil for the
// whole torrent.
func selectFiles(info *metainfo.Info, opts AddTorrentOptions) ([]int, error) {
	if opts.OnlyFilesRegex != "" && opts.OnlyFiles != nil {
		return nil, fmt.Errorf("OnlyFiles and OnlyFilesRegex are mutually exclusive")
	}
	files := info.UpvertedFiles()
	if opts.OnlyFilesRegex != "" {
		re, err := regexp.Compile(opts.OnlyFilesRegex)
		if err != nil {
			return nil, errors.Wrap(err, "error compiling only-files regex")
		}
		var ret []int
		for i, f := range files {
			if re.MatchString(f.DisplayPath()) {
				ret = append(ret, i)
			}
		}
		if ret == nil {
			return nil, fmt.Errorf("no files matched regex %q", opts.OnlyFilesRegex)
		}
		return ret, nil
	}
	if opts.OnlyFiles != nil {
		for _, i := range opts.OnlyFiles {
			if i < 0 || i >= len(files) {
				return nil, fmt.Errorf("file index %d out of range, torrent has %d files", i, len(files))
			}
		}
		return opts.OnlyFiles, nil
	}
	return nil, nil
}

func listTorrent(res resolvedTorrent, onlyFiles []int) *ListOnlyResponse {
	included := func(int) bool { return true }
	if onlyFiles != nil {
		set := make(map[int]bool, len(onlyFiles))
		for _, i := range onlyFiles {
			set[i] = true
		}
		included = func(i int) bool { return set[i] }
	}
	ret := &ListOnlyResponse{
		InfoHash:   res.infoHash,
		Name:       res.info.Name,
		TotalBytes: res.info.TotalLength(),
	}
	for i, f := range res.info.UpvertedFiles() {
		ret.Files = append(ret.Files, ListOnlyFile{
			Path:     f.DisplayPath(),
			Length:   f.Length,
			Included: included(i),
		})
	}
	return ret
}

// computeOutputFolder applies the folder options: an explicit folder wins, a
// sub-folder nests under the session default, and with neither a multi-file
// torrent gets a sub-folder named after it so its files don't spill into the
// session root.
func (s *Session) computeOutputFolder(res resolvedTorrent, opts AddTorrentOptions) (string, error) {
	if opts.OutputFolder != "" && opts.SubFolder != "" {
		return "", fmt.Errorf("OutputFolder and SubFolder are mutually exclusive")
	}
	if opts.OutputFolder != "" {
		return opts.OutputFolder, nil
	}
	if opts.SubFolder != "" {
		return filepath.Join(s.outputFolder, opts.SubFolder), nil
	}
	if res.info.IsDir() {
		name := res.info.Name
		if name == "" {
			name = longestFileStem(res.info)
		}
		if name == "" {
			name = res.infoHash.HexString()
		}
		return filepath.Join(s.outputFolder, name), nil
	}
	return s.outputFolder, nil
}

// longestFileStem names a torrent after its biggest file, extension dropped.
func longestFileStem(info *metainfo.Info) string {
	var best metainfo.FileInfo
	for _, f := range info.UpvertedFiles() {
		if f.Length > best.Length {
			best = f
		}
	}
	base := filepath.Base(best.DisplayPath())
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// checkNoExistingFiles refuses to add a torrent whose selected files already
// exist on disk, the guard Overwrite turns off.
func checkNoExistingFiles(info *metainfo.Info, outputFolder string, onlyFiles []int) error {
	selected := func(int) bool { return true }
	if onlyFiles != nil {
		set := make(map[int]bool, len(onlyFiles))
		for _, i := range onlyFiles {
			set[i] = true
		}
		selected = func(i int) bool { return set[i] }
	}
	for i, f := range info.UpvertedFiles() {
		if !selected(i) {
			continue
		}
		p := filepath.Join(outputFolder, f.DisplayPath())
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("output file %q already exists, pass Overwrite to resume into it", p)
		}
	}
	return nil
}

func annPeersOrNil(ann DhtAnnounce) <-chan dht.PeersValues {
	if ann == nil {
		return nil
	}
	return ann.Peers()
}
