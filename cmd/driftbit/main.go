// Command driftbit downloads torrents from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/driftbit/torrent"
)

type DownloadCmd struct {
	Torrents       []string `arg:"positional,required" help:"magnet links, torrent URLs or file paths"`
	Output         string   `arg:"-o,--output" default:"." help:"folder downloads are written into"`
	Port           uint16   `default:"42069" help:"first listen port to try"`
	NoDht          bool     `arg:"--no-dht"`
	NoPersistence  bool     `arg:"--no-persistence" help:"don't remember torrents across runs"`
	Overwrite      bool     `help:"write on top of existing files"`
	OnlyFilesRegex string   `arg:"--only-files" help:"only download files matching this regex"`
	Peers          []string `help:"initial peer addresses (host:port)"`
	Upnp           bool     `help:"forward the listen port with upnp"`
	Paused         bool     `help:"add without starting"`
}

type ListCmd struct {
	Torrent string `arg:"positional,required" help:"magnet link, torrent URL or file path"`
}

var flags struct {
	Download *DownloadCmd `arg:"subcommand:download"`
	List     *ListCmd     `arg:"subcommand:list"`
	Debug    bool
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		fmt.Fprintf(os.Stderr, "error in main: %v\n", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	logger := log.Default
	if flags.Debug {
		logger = logger.WithFilterLevel(log.Debug)
	}
	switch {
	case flags.Download != nil:
		return download(flags.Download, logger)
	case flags.List != nil:
		return list(flags.List, logger)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.SubcommandNames()))
		panic("unreachable")
	}
}

func download(cmd *DownloadCmd, logger log.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	s, err := torrent.NewSessionWithOpts(ctx, cmd.Output, torrent.SessionOptions{
		DisableDht:               cmd.NoDht,
		Persistence:              !cmd.NoPersistence,
		ListenPortRange:          g.Some(torrent.PortRange{Lo: cmd.Port, Hi: cmd.Port + 10}),
		EnableUpnpPortForwarding: cmd.Upnp,
		Logger:                   logger,
	})
	if err != nil {
		return err
	}
	defer s.Stop()

	var handles []*torrent.Torrent
	for _, argTorrent := range cmd.Torrents {
		req, err := torrent.AddRequestFromCliArgument(argTorrent)
		if err != nil {
			return err
		}
		resp, err := s.AddTorrent(ctx, req, torrent.AddTorrentOptions{
			Paused:         cmd.Paused,
			Overwrite:      cmd.Overwrite,
			OnlyFilesRegex: cmd.OnlyFilesRegex,
			InitialPeers:   cmd.Peers,
		})
		if err != nil {
			return fmt.Errorf("error adding %q: %w", argTorrent, err)
		}
		if resp.AlreadyManaged {
			fmt.Printf("%v is already managed as id %d\n", resp.Torrent.Name(), resp.Id)
		}
		handles = append(handles, resp.Torrent)
	}
	if cmd.Paused {
		return nil
	}

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted")
			return nil
		case <-ticker.C:
		}
		finished := 0
		for _, t := range handles {
			stats := t.Stats()
			fmt.Printf(
				"%q: %d/%d pieces, %s total, %d peers, %s\n",
				t.Name(), stats.HavePieces, stats.TotalPieces,
				humanize.Bytes(uint64(stats.TotalBytes)), stats.KnownPeers, stats.State,
			)
			if live := t.Live(); live != nil && live.IsFinished() {
				finished++
			}
		}
		if finished == len(handles) {
			fmt.Println("all torrents finished")
			return nil
		}
	}
}

func list(cmd *ListCmd, logger log.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	s, err := torrent.NewSessionWithOpts(ctx, ".", torrent.SessionOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer s.Stop()
	req, err := torrent.AddRequestFromCliArgument(cmd.Torrent)
	if err != nil {
		return err
	}
	resp, err := s.AddTorrent(ctx, req, torrent.AddTorrentOptions{ListOnly: true})
	if err != nil {
		return err
	}
	fmt.Printf("%v (%v, %s)\n", resp.ListOnly.Name, resp.ListOnly.InfoHash, humanize.Bytes(uint64(resp.ListOnly.TotalBytes)))
	for _, f := range resp.ListOnly.Files {
		fmt.Printf("  %s (%s)\n", f.Path, humanize.Bytes(uint64(f.Length)))
	}
	return nil
}
