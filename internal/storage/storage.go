// Package storage owns the single on-disk data file backing a torrent's
// download. It exposes positioned reads and writes only; per the
// concurrency model, a single owner (the piece manager) writes to the
// file while concurrent readers may safely touch disjoint regions.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/nullbyte-labs/swarmcore/internal/meta"
)

type Config struct {
	DownloadDir string
}

func WithDefaultConfig() *Config {
	return &Config{DownloadDir: getDefaultDownloadDir()}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "swarmcore")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "swarmcore", "downloads")
	}
}

// Store is the positioned-I/O handle over a single-file torrent's data.
type Store struct {
	log         *slog.Logger
	file        *os.File
	path        string
	pieceLen    int64
	totalLength int64
}

// Open creates (if absent) and opens the data file described by metainfo
// under cfg.DownloadDir, pre-sized to its final length.
func Open(metainfo *meta.Metainfo, cfg *Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage")

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create download dir: %w", err)
	}

	path := filepath.Join(cfg.DownloadDir, metainfo.Info.Name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}
	if err := f.Truncate(metainfo.Info.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: size data file: %w", err)
	}

	return &Store{
		log:         log,
		file:        f,
		path:        path,
		pieceLen:    int64(metainfo.Info.PieceLength),
		totalLength: metainfo.Info.Length,
	}, nil
}

// Path returns the absolute path of the backing data file.
func (s *Store) Path() string { return s.path }

// WritePiece performs a single positioned write of a verified piece's
// bytes at its canonical offset (index * piece_length).
func (s *Store) WritePiece(index int, data []byte) error {
	offset := int64(index) * s.pieceLen
	if offset+int64(len(data)) > s.totalLength {
		return fmt.Errorf("storage: piece %d write out of range", index)
	}

	n, err := s.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if n != len(data) {
		return fmt.Errorf("storage: short write for piece %d: wrote %d, want %d", index, n, len(data))
	}

	return nil
}

// ReadBlock reads length bytes of piece index at offset begin within that
// piece. Used to serve outgoing PIECE responses to peers.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	offset := int64(index)*s.pieceLen + int64(begin)
	if offset < 0 || offset+int64(length) > s.totalLength {
		return nil, fmt.Errorf("storage: block read out of range for piece %d", index)
	}

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: read piece %d: %w", index, err)
	}
	if n != length {
		return nil, fmt.Errorf("storage: short read for piece %d: read %d, want %d", index, n, length)
	}

	return buf, nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	return s.file.Close()
}
