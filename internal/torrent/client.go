package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nullbyte-labs/swarmcore/internal/config"
)

// Client is a small in-process registry of concurrently running
// downloads, keyed by info-hash. It exists so a long-running process (as
// opposed to the one-shot CLI, which only ever runs one Torrent at a
// time) can manage several downloads side by side.
type Client struct {
	log      *slog.Logger
	clientID [sha1.Size]byte

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
}

// NewClient builds a Client with a fresh peer ID.
func NewClient() (*Client, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("torrent: generate client id: %w", err)
	}

	return &Client{
		log:      slog.Default().With("component", "client"),
		clientID: cfg.ClientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// AddTorrentFile parses a .torrent file's bytes and starts downloading it
// in the background.
func (c *Client) AddTorrentFile(ctx context.Context, data []byte, cfg *Config) (*Torrent, error) {
	t, err := NewFromFile(c.clientID, data, cfg)
	if err != nil {
		return nil, err
	}
	c.register(ctx, t)
	return t, nil
}

// AddMagnet parses a magnet URI and starts bootstrapping it in the
// background.
func (c *Client) AddMagnet(ctx context.Context, magnetURI string, cfg *Config) (*Torrent, error) {
	t, err := NewFromMagnet(c.clientID, magnetURI, cfg)
	if err != nil {
		return nil, err
	}
	c.register(ctx, t)
	return t, nil
}

func (c *Client) register(ctx context.Context, t *Torrent) {
	c.mu.Lock()
	c.torrents[t.infoHash] = t
	c.mu.Unlock()

	go func() {
		if err := t.Run(ctx); err != nil {
			c.log.Warn("torrent run ended", "info_hash", hex.EncodeToString(t.infoHash[:]), "error", err)
		}
		c.mu.Lock()
		delete(c.torrents, t.infoHash)
		c.mu.Unlock()
	}()
}

// Get returns the running torrent for infoHashHex, if any.
func (c *Client) Get(infoHashHex string) (*Torrent, bool) {
	infoHash, err := parseInfoHashHex(infoHashHex)
	if err != nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.torrents[infoHash]
	return t, ok
}

// Stats returns a snapshot of every currently running torrent.
func (c *Client) Stats() []*Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Stats, 0, len(c.torrents))
	for _, t := range c.torrents {
		out = append(out, t.GetStats())
	}
	return out
}

func parseInfoHashHex(s string) ([sha1.Size]byte, error) {
	var infoHash [sha1.Size]byte

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != sha1.Size {
		return infoHash, fmt.Errorf("torrent: invalid info hash %q", s)
	}
	copy(infoHash[:], raw)
	return infoHash, nil
}
