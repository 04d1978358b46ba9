// Command swarmcore is a minimal CLI front end for the download core: it
// starts exactly one torrent and blocks until it finishes or fails.
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

	"github.com/nullbyte-labs/swarmcore/internal/torrent"
	"github.com/nullbyte-labs/swarmcore/pkg/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := newLogger()

	if len(args) < 1 {
		usage()
		return 2
	}

	var t *torrent.Torrent
	var err error

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "download":
		t, err = runDownload(args[1:], log)
	case "download_magnet":
		t, err = runDownloadMagnet(args[1:], log)
	default:
		usage()
		return 2
	}
	if err != nil {
		log.Error("failed to start torrent", "error", err)
		return 1
	}

	if err := t.Run(ctx); err != nil {
		log.Error("download failed", "error", err)
		return 1
	}

	log.Info("download complete", "name", t.GetStats().Name)
	return 0
}

func runDownload(args []string, log *slog.Logger) (*torrent.Torrent, error) {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	outDir := fs.String("o", "", "download directory (default: client default)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("usage: swarmcore download <torrent-file> [-o path]")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %w", err)
	}

	cfg, err := buildConfig(*outDir)
	if err != nil {
		return nil, err
	}

	return torrent.NewFromFile(cfg.Client.ClientID, data, cfg)
}

func runDownloadMagnet(args []string, log *slog.Logger) (*torrent.Torrent, error) {
	fs := flag.NewFlagSet("download_magnet", flag.ContinueOnError)
	outDir := fs.String("o", "", "download directory (default: client default)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("usage: swarmcore download_magnet <magnet-uri> [-o path]")
	}

	cfg, err := buildConfig(*outDir)
	if err != nil {
		return nil, err
	}

	return torrent.NewFromMagnet(cfg.Client.ClientID, fs.Arg(0), cfg)
}

func buildConfig(outDir string) (*torrent.Config, error) {
	cfg, err := torrent.WithDefaultConfig()
	if err != nil {
		return nil, err
	}
	if outDir != "" {
		cfg.Storage.DownloadDir = outDir
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	opts := logging.DefaultOptions()
	opts.TimeFormat = time.Kitchen
	h := logging.NewPrettyHandler(os.Stderr, &opts)
	return slog.New(h)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  swarmcore download <torrent-file> [-o path]")
	fmt.Fprintln(os.Stderr, "  swarmcore download_magnet <magnet-uri> [-o path]")
}
