// Package torrent wires the coordinator, the peer pool, and the tracker
// together into one download: everything needed to take a parsed
// .torrent file or a magnet link from a cold start to a complete file on
// disk.
package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/internal/coordinator"
	"github.com/nullbyte-labs/swarmcore/internal/meta"
	"github.com/nullbyte-labs/swarmcore/internal/peerconn"
	"github.com/nullbyte-labs/swarmcore/internal/persistence"
	"github.com/nullbyte-labs/swarmcore/internal/piece"
	"github.com/nullbyte-labs/swarmcore/internal/storage"
	"github.com/nullbyte-labs/swarmcore/internal/tracker"
)

// noopPersister discards bitfield updates; used when a torrent runs
// without a resume cache, since piece.Manager always requires a
// persister.
type noopPersister struct{}

func (noopPersister) UpdateBitfield(bitfield.Bitfield) error { return nil }

// Torrent drives a single download end to end: a tracker announce loop
// feeding candidate addresses to a peer pool, and a coordinator that owns
// piece selection and the data file. One Torrent downloads one file;
// multi-file torrents are out of scope.
type Torrent struct {
	log      *slog.Logger
	cfg      *Config
	clientID [sha1.Size]byte

	infoHash [sha1.Size]byte
	metainfo *meta.Metainfo // nil until metadata arrives, for a magnet start

	store      *storage.Store
	cacheEntry *persistence.BoundEntry

	coord     *coordinator.Coordinator
	pool      *peerconn.Pool
	trk       *tracker.Tracker
	seedPeers []netip.AddrPort

	seedingOnce sync.Once
	seeding     chan struct{}
}

// NewFromFile starts a Torrent from an already-parsed .torrent file: the
// piece manager is built immediately since the metainfo is already known.
func NewFromFile(clientID [sha1.Size]byte, data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		var err error
		cfg, err = WithDefaultConfig()
		if err != nil {
			return nil, err
		}
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse metainfo: %w", err)
	}

	t := newTorrent(clientID, mi.InfoHash, cfg)
	t.metainfo = mi

	pm, err := t.openPieceManager(mi)
	if err != nil {
		return nil, err
	}

	t.coord = coordinator.NewDownloading(mi.InfoHash, pm, coordinator.Opts{
		Log:       t.log,
		OnSeeding: t.onSeeding,
	})

	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, t.trackerOpts())
	if err != nil {
		return nil, err
	}
	t.trk = trk

	return t, nil
}

// NewFromMagnet starts a Torrent from a magnet URI. The piece manager
// isn't built until the coordinator finishes the BEP-9 metadata exchange
// with some peer, via buildPieceManager.
func NewFromMagnet(clientID [sha1.Size]byte, magnetURI string, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		var err error
		cfg, err = WithDefaultConfig()
		if err != nil {
			return nil, err
		}
	}

	mg, err := meta.ParseMagnet(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse magnet: %w", err)
	}

	t := newTorrent(clientID, mg.InfoHash, cfg)
	t.seedPeers = parseSeedPeers(mg.SeedPeers, t.log)

	t.coord = coordinator.NewWaitingForMetadata(mg.InfoHash, t.buildPieceManager, coordinator.Opts{
		Log:       t.log,
		OnSeeding: t.onSeeding,
	})

	trk, err := tracker.NewTracker("", [][]string{mg.Trackers}, t.trackerOpts())
	if err != nil {
		return nil, err
	}
	t.trk = trk

	return t, nil
}

func newTorrent(clientID [sha1.Size]byte, infoHash [sha1.Size]byte, cfg *Config) *Torrent {
	return &Torrent{
		log:      slog.Default().With("component", "torrent", "info_hash", hex.EncodeToString(infoHash[:])),
		cfg:      cfg,
		clientID: clientID,
		infoHash: infoHash,
		seeding:  make(chan struct{}),
	}
}

// openPieceManager opens the backing data file and resume-state cache
// entry for mi, and constructs the piece manager. Shared by the
// from-file constructor and the magnet metadata-complete callback.
func (t *Torrent) openPieceManager(mi *meta.Metainfo) (*piece.Manager, error) {
	store, err := storage.Open(mi, t.cfg.Storage, t.log)
	if err != nil {
		return nil, fmt.Errorf("torrent: open storage: %w", err)
	}
	t.store = store

	var have bitfield.Bitfield
	if t.cfg.Cache != nil {
		entry, exists, err := t.cfg.Cache.Get(mi.InfoHash)
		if err != nil {
			return nil, fmt.Errorf("torrent: read cache: %w", err)
		}
		if exists {
			have = entry.Bitfield
			t.log.Info("resuming from cache", "pieces_had", have.Count())
		} else if _, err := t.cfg.Cache.CreateIfAbsent(mi.InfoHash, &persistence.Entry{
			Bitfield:     bitfield.New(len(mi.Info.Pieces)),
			DataFilePath: store.Path(),
			Metainfo:     mi,
			AnnounceURL:  mi.Announce,
		}); err != nil {
			return nil, fmt.Errorf("torrent: seed cache entry: %w", err)
		}
		t.cacheEntry = t.cfg.Cache.Bind(mi.InfoHash)
	}

	return piece.NewManager(mi.Info.Pieces, mi.Info.PieceLength, mi.Size(), store, t.persister(), have, pieceQueueBound), nil
}

func (t *Torrent) persister() piece.BitfieldPersister {
	if t.cacheEntry == nil {
		return noopPersister{}
	}
	return t.cacheEntry
}

// buildPieceManager is the coordinator's BuildPieceManager callback for a
// magnet start: called once the metadata exchange assembles the full
// metainfo.
func (t *Torrent) buildPieceManager(mi *meta.Metainfo) (*piece.Manager, error) {
	t.metainfo = mi
	return t.openPieceManager(mi)
}

func (t *Torrent) onSeeding() {
	t.seedingOnce.Do(func() { close(t.seeding) })
}

func (t *Torrent) trackerOpts() *tracker.TrackerOpts {
	return &tracker.TrackerOpts{
		OnAnnounceStart:     t.buildAnnounceParams,
		OnAnnounceSuccess:   t.admitPeers,
		Log:                 t.log,
		AnnounceInterval:    t.cfg.Client.AnnounceInterval,
		MinAnnounceInterval: t.cfg.Client.MinAnnounceInterval,
		MaxAnnounceBackoff:  t.cfg.Client.MaxAnnounceBackoff,
	}
}

func (t *Torrent) admitPeers(addrs []netip.AddrPort) {
	if t.pool != nil {
		t.pool.AdmitPeers(addrs)
	}
}

func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	event := tracker.EventStarted

	var left uint64
	var downloaded uint64
	if t.coord != nil && t.coord.Phase() == coordinator.Seeding {
		event = tracker.EventCompleted
	}
	if t.metainfo != nil {
		downloaded = uint64(t.downloadedBytes())
		total := uint64(t.metainfo.Size())
		if downloaded < total {
			left = total - downloaded
		}
	}

	return &tracker.AnnounceParams{
		Event:      event,
		InfoHash:   t.infoHash,
		PeerID:     t.clientID,
		Uploaded:   t.uploadedBytes(),
		Downloaded: downloaded,
		Left:       left,
		NumWant:    t.cfg.Client.NumWant,
		Port:       t.cfg.Client.Port,
	}
}

// downloadedBytes approximates total bytes received so far from the
// pieces we currently hold; it is a lower bound during endgame since a
// duplicate block across peers is only counted once.
func (t *Torrent) downloadedBytes() int64 {
	if t.metainfo == nil || t.coord == nil {
		return 0
	}
	return int64(t.coord.PieceCount()) * int64(t.metainfo.Info.PieceLength)
}

func (t *Torrent) uploadedBytes() uint64 {
	if t.pool == nil {
		return 0
	}
	var total uint64
	for _, s := range t.pool.Stats() {
		total += s.Uploaded.Load()
	}
	return total
}

// Run starts the tracker, peer pool, and coordinator and blocks until the
// download completes or ctx is cancelled.
func (t *Torrent) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	t.pool = peerconn.NewPool(peerconn.PoolOpts{
		Log:           t.log,
		InfoHash:      t.infoHash,
		LocalID:       t.clientID,
		Events:        t.coord.Events(),
		MaxPeers:      t.cfg.Client.MaxPeers,
		DialTimeout:   t.cfg.Client.DialTimeout,
		ReadTimeout:   t.cfg.Client.ReadTimeout,
		WriteTimeout:  t.cfg.Client.WriteTimeout,
		OutboxBacklog: t.cfg.Client.PeerOutboundQueueBacklog,
		HaveMetadata:  t.metainfo != nil,
	})

	if len(t.seedPeers) > 0 {
		t.pool.AdmitPeers(t.seedPeers)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.coord.Run(gctx) })
	g.Go(func() error { return t.pool.Run(gctx) })
	g.Go(func() error { return t.trk.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var groupErr error
	select {
	case <-t.seeding:
		t.log.Info("download complete")
		cancel()
		groupErr = <-done
	case groupErr = <-done:
		cancel()
	case <-parent.Done():
		cancel()
		groupErr = <-done
	}

	if t.store != nil {
		t.store.Close()
	}

	select {
	case <-t.seeding:
		return nil
	default:
	}
	if groupErr != nil {
		return groupErr
	}
	return parent.Err()
}

// Progress reports the fraction of pieces held, in [0, 1]. It is 0 while
// still bootstrapping a magnet link.
func (t *Torrent) Progress() float64 {
	if t.coord == nil {
		return 0
	}
	return t.coord.Progress()
}

// Stats is a point-in-time snapshot suitable for a CLI progress line.
type Stats struct {
	Name       string
	Progress   float64
	Peers      int
	Tracker    tracker.TrackerMetrics
	Downloaded uint64
	Uploaded   uint64
}

func (t *Torrent) GetStats() *Stats {
	s := &Stats{
		Progress: t.Progress(),
		Uploaded: t.uploadedBytes(),
	}
	if t.metainfo != nil {
		s.Name = t.metainfo.Info.Name
		s.Downloaded = uint64(t.downloadedBytes())
	}
	if t.pool != nil {
		s.Peers = t.pool.PeerCount()
	}
	if t.trk != nil {
		s.Tracker = t.trk.Stats()
	}
	return s
}

func parseSeedPeers(hints []string, log *slog.Logger) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(hints))
	for _, h := range hints {
		addr, err := netip.ParseAddrPort(h)
		if err != nil {
			host, port, splitErr := net.SplitHostPort(h)
			if splitErr != nil {
				log.Debug("dropping unparseable seed peer hint", "hint", h)
				continue
			}
			ip, err := netip.ParseAddr(host)
			if err != nil {
				log.Debug("dropping unresolvable seed peer hint", "hint", h)
				continue
			}
			var p uint64
			if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
				continue
			}
			addr = netip.AddrPortFrom(ip, uint16(p))
		}
		out = append(out, addr)
	}
	return out
}
