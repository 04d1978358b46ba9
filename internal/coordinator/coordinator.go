// Package coordinator implements the torrent coordinator: a single task
// that owns the authoritative torrent state and the peer registry, reading
// every peer-session event off one multi-producer channel and fanning out
// responses. This is the hard part of the client — it is the only place
// the selector, the download queue, and the persisted bitfield are ever
// touched, so nothing here needs a lock.
package coordinator

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/internal/meta"
	"github.com/nullbyte-labs/swarmcore/internal/metadata"
	"github.com/nullbyte-labs/swarmcore/internal/piece"
)

// Phase is the coordinator's top-level state.
type Phase int

const (
	WaitingForMetadata Phase = iota
	Downloading
	Seeding
)

func (p Phase) String() string {
	switch p {
	case WaitingForMetadata:
		return "WaitingForMetadata"
	case Downloading:
		return "Downloading"
	case Seeding:
		return "Seeding"
	default:
		return "Unknown"
	}
}

// RequestBatchSize is the pipelining depth the coordinator hands a session
// per NeedBlockQueue, order of ~20 per the design notes.
const RequestBatchSize = 20

// BuildPieceManager constructs the piece manager once the metainfo is
// known, whether from a .torrent file up front or from a completed
// metadata-exchange. Supplied by the caller (the torrent package), since
// building it requires the data file and persistence adapter.
type BuildPieceManager func(mi *meta.Metainfo) (*piece.Manager, error)

// Coordinator is the single task described in §4.5: it owns TorrentState
// and the peer registry, and is the only consumer of Events.
type Coordinator struct {
	log    *slog.Logger
	events chan Event
	peers  map[string]chan<- Control

	phase    Phase
	infoHash [sha1.Size]byte

	buildPieceManager BuildPieceManager
	metadataEngine    *metadata.Engine
	pieceManager      *piece.Manager

	// outstanding tracks blocks requested of each peer but not yet
	// delivered, so a disconnect can release them back to the queue
	// instead of leaving them stuck in-flight forever.
	outstanding map[string][]Request

	onSeeding func()

	// totalPieces and havePieces back Progress/PieceCount, which external
	// callers (a CLI progress line) may read from any goroutine; everything
	// else on Coordinator is only ever touched by Run's goroutine.
	totalPieces int
	havePieces  atomic.Int64
}

// Opts configures a new Coordinator.
type Opts struct {
	Log *slog.Logger
	// EventBacklog bounds the shared event channel; 0 uses a sane default.
	EventBacklog int
	// OnSeeding is invoked once, the moment the coordinator transitions to
	// Seeding (the file is complete).
	OnSeeding func()
}

// NewWaitingForMetadata starts a coordinator with only an info-hash known,
// bootstrapping via the BEP-9 metadata extension before any piece can be
// scheduled.
func NewWaitingForMetadata(infoHash [sha1.Size]byte, build BuildPieceManager, opts Opts) *Coordinator {
	return newCoordinator(WaitingForMetadata, infoHash, nil, build, opts)
}

// NewDownloading starts a coordinator that already has metainfo (a parsed
// .torrent file, or a restart-resume from the persistence cache). If pm is
// already complete, the coordinator starts directly in Seeding, per the
// restart-resume scenario.
func NewDownloading(infoHash [sha1.Size]byte, pm *piece.Manager, opts Opts) *Coordinator {
	c := newCoordinator(Downloading, infoHash, pm, nil, opts)
	c.totalPieces = pm.NumPieces()
	c.havePieces.Store(int64(pm.Bitfield().Count()))
	if pm.Complete() {
		c.phase = Seeding
	}
	return c
}

func newCoordinator(phase Phase, infoHash [sha1.Size]byte, pm *piece.Manager, build BuildPieceManager, opts Opts) *Coordinator {
	backlog := opts.EventBacklog
	if backlog <= 0 {
		backlog = 64
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		log:               log.With("component", "coordinator"),
		events:            make(chan Event, backlog),
		peers:             make(map[string]chan<- Control),
		phase:             phase,
		infoHash:          infoHash,
		buildPieceManager: build,
		pieceManager:      pm,
		outstanding:       make(map[string][]Request),
		onSeeding:         opts.OnSeeding,
	}
}

// Events returns the send side of the shared event channel; every peer
// session is given this to report on.
func (c *Coordinator) Events() chan<- Event { return c.events }

// Phase reports the coordinator's current top-level state.
func (c *Coordinator) Phase() Phase { return c.phase }

// PieceCount reports how many pieces are currently held. Safe to call
// from any goroutine.
func (c *Coordinator) PieceCount() int { return int(c.havePieces.Load()) }

// Progress reports the fraction of pieces currently held, in [0, 1]. It
// is 0 before metadata arrives for a magnet start. Safe to call from any
// goroutine.
func (c *Coordinator) Progress() float64 {
	if c.totalPieces == 0 {
		return 0
	}
	return float64(c.havePieces.Load()) / float64(c.totalPieces)
}

// Run drains the event channel until ctx is cancelled. It is the only
// goroutine that ever touches the selector, the queue, or the bitfield.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator started", "phase", c.phase)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev Event) {
	switch e := ev.(type) {
	case NewConnection:
		c.handleNewConnection(e)
	case PeerDisconnected:
		c.handlePeerDisconnected(e)
	case GotMetadataLength:
		c.handleGotMetadataLength(e)
	case NeedMetadataPiece:
		c.handleNeedMetadataPiece(e)
	case GotMetadataBlock:
		c.handleGotMetadataBlock(e)
	case PeerBitfield:
		c.handlePeerBitfield(e)
	case PeerHas:
		c.handlePeerHas(e)
	case WhatDoWeHave:
		c.handleWhatDoWeHave(e)
	case NeedBlockQueue:
		c.handleNeedBlockQueue(e)
	case GotBlock:
		c.handleGotBlock(e)
	case NeedBlock:
		c.handleNeedBlock(e)
	default:
		c.log.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) send(peerID string, ctrl Control) {
	ch, ok := c.peers[peerID]
	if !ok {
		c.log.Debug("control send to unknown peer dropped", "peer", peerID)
		return
	}
	select {
	case ch <- ctrl:
	default:
		c.log.Warn("control channel full; dropping control", "peer", peerID)
	}
}

func (c *Coordinator) broadcast(ctrl Control) {
	for peerID := range c.peers {
		c.send(peerID, ctrl)
	}
}

func (c *Coordinator) handleNewConnection(e NewConnection) {
	c.peers[e.PeerID] = e.Control

	if c.pieceManager != nil {
		c.pieceManager.AddPeer(e.PeerID)
	}

	if c.phase != WaitingForMetadata {
		c.send(e.PeerID, StartDownload{})
	}
}

func (c *Coordinator) handlePeerDisconnected(e PeerDisconnected) {
	delete(c.peers, e.PeerID)

	if c.pieceManager != nil {
		for _, r := range c.outstanding[e.PeerID] {
			c.pieceManager.ReleaseBlock(r.Index, r.Begin)
		}
		c.pieceManager.RemovePeer(e.PeerID)
	}
	delete(c.outstanding, e.PeerID)
}

func (c *Coordinator) handlePeerBitfield(e PeerBitfield) {
	if c.pieceManager == nil {
		return
	}
	c.pieceManager.SetBitfield(e.PeerID, e.Bitfield)
}

func (c *Coordinator) handlePeerHas(e PeerHas) {
	if c.pieceManager == nil {
		return
	}
	c.pieceManager.NoteHave(e.PeerID, e.Index)
}

func (c *Coordinator) handleWhatDoWeHave(e WhatDoWeHave) {
	if c.pieceManager == nil {
		c.send(e.PeerID, WeHave{Bitfield: bitfield.Bitfield{}})
		return
	}
	c.send(e.PeerID, WeHave{Bitfield: c.pieceManager.Bitfield(), Complete: c.pieceManager.Complete()})
}

func (c *Coordinator) handleNeedBlockQueue(e NeedBlockQueue) {
	if c.pieceManager == nil {
		return
	}

	peerID := e.PeerID
	peerHas := func(i int) bool { return c.pieceManager.PeerHas(peerID, i) }

	reqs := c.pieceManager.PrepareNextBlocks(peerID, peerHas, RequestBatchSize)
	if len(reqs) == 0 {
		return
	}

	out := make([]Request, len(reqs))
	for i, r := range reqs {
		out[i] = Request{Index: r.Index, Begin: r.Begin, Length: r.Length}
	}
	c.outstanding[peerID] = append(c.outstanding[peerID], out...)
	c.send(peerID, NewBlockQueue{Requests: out})
}

// dropOutstanding removes a single (index, begin) entry from a peer's
// outstanding-request list once it is resolved, by delivery or mismatch.
func (c *Coordinator) dropOutstanding(peerID string, index, begin int) {
	reqs := c.outstanding[peerID]
	for i, r := range reqs {
		if r.Index == index && r.Begin == begin {
			c.outstanding[peerID] = append(reqs[:i], reqs[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) handleGotBlock(e GotBlock) {
	if c.pieceManager == nil {
		return
	}

	c.dropOutstanding(e.PeerID, e.Index, e.Begin)

	finished, err := c.pieceManager.IntegrateBlock(e.Index, e.Begin, e.Data)
	if err != nil {
		// Hash mismatch or write failure: non-fatal, the piece is already
		// reset and back in the selector for re-dispatch.
		c.log.Warn("integrate block failed", "peer", e.PeerID, "piece", e.Index, "error", err)
		return
	}
	if !finished {
		return
	}

	c.havePieces.Add(1)
	c.broadcast(FinishedPiece{Index: e.Index})

	if c.pieceManager.Complete() {
		c.phase = Seeding
		c.broadcast(FinishedFile{})
		if c.onSeeding != nil {
			c.onSeeding()
		}
	}
}

func (c *Coordinator) handleNeedBlock(e NeedBlock) {
	if c.pieceManager == nil {
		c.send(e.PeerID, Block{Index: e.Index, Begin: e.Begin})
		return
	}

	data, ok := c.pieceManager.ServeBlock(e.Index, e.Begin, e.Length)
	if !ok {
		c.send(e.PeerID, Block{Index: e.Index, Begin: e.Begin})
		return
	}
	c.send(e.PeerID, Block{Index: e.Index, Begin: e.Begin, Data: data})
}

func (c *Coordinator) handleGotMetadataLength(e GotMetadataLength) {
	if c.phase != WaitingForMetadata || c.metadataEngine != nil {
		return
	}

	c.metadataEngine = metadata.NewEngine(c.infoHash, e.Size)
	c.log.Info("metadata length known", "peer", e.PeerID, "size", e.Size)
}

func (c *Coordinator) handleNeedMetadataPiece(e NeedMetadataPiece) {
	if c.phase != WaitingForMetadata || c.metadataEngine == nil {
		return
	}

	idx, ok := c.metadataEngine.NextWantedBlock()
	if !ok {
		return
	}
	c.metadataEngine.MarkInFlight(idx)

	req, err := metadata.RequestMessage(idx)
	if err != nil {
		c.log.Warn("failed to build metadata request", "error", err)
		return
	}
	c.send(e.PeerID, ExtensionData{Kind: metadata.ExtensionName, Payload: req})
}

func (c *Coordinator) handleGotMetadataBlock(e GotMetadataBlock) {
	if c.phase != WaitingForMetadata || c.metadataEngine == nil {
		return
	}

	mi, err := c.metadataEngine.IntegrateBlock(e.Piece, e.Data)
	if err != nil {
		c.log.Warn("metadata block rejected, retrying", "piece", e.Piece, "error", err)
		return
	}
	if mi == nil {
		return // more blocks outstanding
	}

	c.log.Info("metadata assembled", "name", mi.Info.Name, "pieces", len(mi.Info.Pieces))

	pm, err := c.buildPieceManager(mi)
	if err != nil {
		c.log.Error("failed to build piece manager from metadata", "error", err)
		return
	}

	c.pieceManager = pm
	c.metadataEngine = nil
	c.phase = Downloading
	c.totalPieces = pm.NumPieces()
	c.havePieces.Store(int64(pm.Bitfield().Count()))

	for peerID := range c.peers {
		c.pieceManager.AddPeer(peerID)
	}

	c.broadcast(StartDownload{})
}
