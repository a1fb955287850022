// Command leech downloads a single-file torrent given a .torrent path,
// restructured from main.go's bare Parse-then-announce script into a full
// metainfo -> tracker -> coordinator pipeline, wired through flag-based
// configuration instead of positional os.Args parsing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"leech/coordinator"
	"leech/logging"
	"leech/metainfo"
	"leech/peerid"
	"leech/progress"
	"leech/tracker"
)

func main() {
	var (
		outputDir  = flag.String("output", ".", "directory to write downloaded piece files into")
		port       = flag.Int("port", 6881, "local port announced to the tracker")
		noColor    = flag.Bool("no-color", false, "disable colorized log output")
		udpTracker = flag.Bool("udp", false, "use the UDP tracker protocol instead of HTTP")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path-to-torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New(os.Stderr, !*noColor)

	if err := run(flag.Arg(0), *outputDir, *port, *udpTracker, log); err != nil {
		log.Error("download failed", logrus.Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func run(torrentPath, outputDir string, port int, useUDP bool, log *logging.Logger) error {
	file, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}
	log.Info("loaded torrent", logrus.Fields{"name": file.Name, "info_hash": file.InfoHashHex()})

	torrentDir := filepath.Join(outputDir, "torrent_"+file.InfoHashHex())
	if err := os.MkdirAll(torrentDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var announcer tracker.Announcer
	if useUDP {
		announcer = &tracker.UDPAnnouncer{}
	} else {
		announcer = tracker.NewHTTPAnnouncer()
	}

	localPeerID := peerid.New()

	session := coordinator.NewSession(coordinator.Config{
		InfoHash:    file.InfoHash,
		PieceHashes: file.PieceHashes,
		TotalLength: file.TotalSize(),
		PieceLength: file.PieceLength,
		LocalPeerID: localPeerID,
		Port:        port,
		AnnounceURL: file.Announce,
		Announcer:   announcer,
		OutputDir:   torrentDir,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// SIGUSR1 pauses requests on every peer that is downloading a piece;
	// SIGUSR2 resumes them. Neither interrupts the tracker announce or handshake
	// phases, only the per-piece request pipeline.
	pauseSig := make(chan os.Signal, 1)
	signal.Notify(pauseSig, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(pauseSig)
	go func() {
		for sig := range pauseSig {
			switch sig {
			case syscall.SIGUSR1:
				log.Info("pausing download", nil)
				session.Pause()
			case syscall.SIGUSR2:
				log.Info("resuming download", nil)
				session.Resume()
			}
		}
	}()

	bar := progress.New(os.Stdout, file.Name, file.PieceHashes.Len())

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()

	progressCh := session.Progress()
	failuresCh := session.Failures()

	for progressCh != nil || failuresCh != nil {
		select {
		case ev, ok := <-progressCh:
			if !ok {
				progressCh = nil
				continue
			}
			bar.PieceDone()
			log.Info("piece complete", logrus.Fields{"done": ev.Done, "total": ev.Total, "percent": fmt.Sprintf("%.1f", ev.Percent)})

		case ev, ok := <-failuresCh:
			if !ok {
				failuresCh = nil
				continue
			}
			log.Warn("peer failure", logrus.Fields{"peer": ev.Peer, "reason": ev.Reason})
		}
	}

	bar.Finish()
	return <-done
}
