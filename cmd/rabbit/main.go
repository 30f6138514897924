// Command rabbit is a single-torrent BitTorrent client: point it at a
// .torrent file and a working directory and it downloads (or seeds, if
// already complete) that torrent. Grounded on the teacher's main.go
// bootstrap shape (setupLogger + client construction + run), with the
// Wails desktop-app bootstrap replaced by a CLI bootstrap since this
// repo ships a single binary, not a GUI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitwire/rabbit/internal/config"
	"github.com/rabbitwire/rabbit/internal/engine"
	"github.com/rabbitwire/rabbit/internal/fabric"
	"github.com/rabbitwire/rabbit/internal/logging"
	"github.com/rabbitwire/rabbit/internal/meta"
	"github.com/rabbitwire/rabbit/internal/selector"
	"github.com/rabbitwire/rabbit/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rabbit: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var info, debug, mock bool

	flag.BoolVar(&info, "i", false, "print periodic swarm status")
	flag.BoolVar(&info, "info", false, "print periodic swarm status")
	flag.BoolVar(&debug, "d", false, "enable debug logging")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&mock, "m", false, "use three hard-coded local peers instead of contacting the tracker")
	flag.BoolVar(&mock, "mock", false, "use three hard-coded local peers instead of contacting the tracker")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-i|--info] [-d|--debug] [-m|--mock] <torrent_file_path> <working_directory>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return fmt.Errorf("rabbit: expected <torrent_file_path> <working_directory>, got %d args", flag.NArg())
	}
	torrentPath, workingDir := flag.Arg(0), flag.Arg(1)

	setupLogger(debug)
	log := slog.Default()

	torrentBytes, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("rabbit: read torrent file: %w", err)
	}
	mi, err := meta.ParseMetainfo(torrentBytes)
	if err != nil {
		return fmt.Errorf("rabbit: parse torrent file: %w", err)
	}
	if err := mi.RequireSingleFile(); err != nil {
		return fmt.Errorf("rabbit: %w", err)
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("rabbit: generate client id: %w", err)
	}
	cfg.MockPeers = mock
	cfg.Debug = debug
	config.Init(cfg)

	store, err := storage.Open(mi, workingDir)
	if err != nil {
		return fmt.Errorf("rabbit: open block store: %w", err)
	}
	defer store.Close()

	fab := fabric.New(fabric.Config{
		ListenPort:        cfg.ListenPort,
		DialTimeout:       cfg.DialTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReaderYieldRounds: cfg.ReaderYieldRounds,
		ReaderIdleSleep:   cfg.ReaderIdleSleep,
		InfoHash:          mi.InfoHash,
		ClientID:          cfg.ClientID,
	}, log)

	sel := selector.New(strategyFor(cfg.DownloadStrategy), 0)

	eng := engine.New(&cfg, log, mi, store, fab, sel, mi.Announce)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if info {
		go printStatusLoop(ctx, eng)
	}

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("rabbit: %w", err)
	}
	return nil
}

func strategyFor(s config.PieceDownloadStrategy) selector.Strategy {
	if s == config.PieceDownloadStrategyDistributed {
		return selector.Distributed
	}
	return selector.RarestFirst
}

func setupLogger(debug bool) {
	opts := logging.DefaultOptions()
	if debug {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func printStatusLoop(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := eng.Snapshot()
			slog.Info("swarm status",
				"pieces_have", s.PiecesHave,
				"pieces_total", s.PiecesTotal,
				"peers", s.PeerCount,
				"bytes_down", s.BytesRead,
				"bytes_up", s.BytesWritten,
			)
		}
	}
}
