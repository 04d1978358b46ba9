// Package peerconn implements a single peer connection as a cooperatively
// scheduled task: it multiplexes inbound socket frames, inbound coordinator
// control messages, and an idle timer, and exposes the coordinator exactly
// one outbound event sink.
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/internal/coordinator"
	"github.com/nullbyte-labs/swarmcore/internal/metadata"
	"github.com/nullbyte-labs/swarmcore/internal/wire"
)

// localMetadataExtID is the id this client assigns to ut_metadata in its
// own extension handshake. There is only one extension implemented, so a
// fixed id (nonzero, per BEP-10) is enough; a richer client would keep a
// name->id table here instead.
const localMetadataExtID uint8 = 1

const (
	idleKeepAlive   = 120 * time.Second
	idleTerminate   = 5 * time.Minute
	pipelineRefresh = 50 * time.Millisecond
)

// ErrPeerIdle is returned by Run when a peer goes silent past idleTerminate.
var ErrPeerIdle = errors.New("peerconn: peer idle too long")

// Stats holds per-connection counters. The counter fields are atomic;
// ConnectedAt and DisconnectedAt are plain timestamps set once each, at
// session creation and at termination.
type Stats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	RequestsSent     atomic.Uint64
	RequestsReceived atomic.Uint64
	PiecesReceived   atomic.Uint64
	PiecesSent       atomic.Uint64
	Errors           atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Opts configures a new Session.
type Opts struct {
	Log        *slog.Logger
	Conn       net.Conn
	Addr       netip.AddrPort
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxBacklog int

	// HaveMetadata is set once the local side already has the full
	// metainfo (normal .torrent start). The extension handshake does not
	// read it: metadata_size is never advertised, whatever its value.
	HaveMetadata bool

	// Events is the coordinator's shared inbound channel.
	Events chan<- coordinator.Event
}

// Session is one peer connection. Outbound is a single bounded channel; a
// session owns it exclusively and is the only writer to the socket.
type Session struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	infoHash [sha1.Size]byte
	localID  [sha1.Size]byte
	remoteID [sha1.Size]byte

	readTimeout  time.Duration
	writeTimeout time.Duration

	events chan<- coordinator.Event
	peerID string

	stateMu            sync.RWMutex
	amChoking          bool
	amInterested       bool
	peerChoking        bool
	peerInterested     bool
	extensionsEnabled  bool
	remoteMetadataExID uint8 // this peer's chosen id for ut_metadata, used when we address them

	inFlight atomic.Int32

	outbox    chan *wire.Message
	control   chan coordinator.Control
	lastActiv atomic.Int64
	stats     Stats
	activity  *messageHistoryBuffer

	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// NewSession performs the handshake over an already-dialed or
// already-accepted connection and returns a Session ready to Run. It does
// NOT register with the coordinator; Run does that as its first act, per
// the startup contract.
func NewSession(ctx context.Context, opts Opts) (*Session, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer_session", "addr", opts.Addr)

	local := wire.NewHandshake(opts.InfoHash, opts.PeerID)

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = opts.Conn.SetDeadline(deadline)
	}
	remote, err := local.Exchange(opts.Conn, true)
	if hasDeadline {
		_ = opts.Conn.SetDeadline(time.Time{})
	}
	if err != nil {
		_ = opts.Conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	backlog := opts.OutboxBacklog
	if backlog <= 0 {
		backlog = 64
	}

	s := &Session{
		log:               log,
		conn:              opts.Conn,
		addr:              opts.Addr,
		infoHash:          opts.InfoHash,
		localID:           opts.PeerID,
		remoteID:          remote.PeerID,
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
		events:            opts.Events,
		peerID:            peerKey(remote.PeerID),
		amChoking:         true,
		peerChoking:       true,
		extensionsEnabled: remote.SupportsExtensions(),
		outbox:            make(chan *wire.Message, backlog),
		control:           make(chan coordinator.Control, backlog),
		activity:          newActivityRing(256),
	}
	s.peerID = peerKey(s.remoteID)
	s.stats.ConnectedAt = time.Now()
	s.touch()

	// Simple unchoke-all policy: no tit-for-tat accounting, so there is
	// nothing to gate an initial unchoke on.
	s.amChoking = false
	s.enqueue(wire.MessageUnchoke())

	if s.extensionsEnabled {
		s.sendExtensionHandshake(opts.HaveMetadata)
	}

	return s, nil
}

// PeerKey returns the string identity used as the coordinator's peer table
// key: the remote peer-id's raw bytes.
func (s *Session) PeerKey() string { return s.peerID }

func peerKey(id [sha1.Size]byte) string { return string(id[:]) }

// Run drives the session until ctx is cancelled, the socket errors, or the
// peer goes idle past idleTerminate. It unconditionally emits
// PeerDisconnected on the way out, per the shutdown contract.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.terminate()

	select {
	case s.events <- coordinator.NewConnection{PeerID: s.peerID, Control: s.control}:
	case <-ctx.Done():
		return ctx.Err()
	}

	errCh := make(chan error, 3)
	go func() { errCh <- s.readLoop(ctx) }()
	go func() { errCh <- s.writeLoop(ctx) }()
	go func() { errCh <- s.controlLoop(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
		s.stats.DisconnectedAt = time.Now()

		select {
		case s.events <- coordinator.PeerDisconnected{PeerID: s.peerID}:
		default:
			// Event channel full or coordinator gone; best-effort only,
			// since the socket is already closed and nothing further can
			// flow from this session.
		}
	})
}

func (s *Session) touch() { s.lastActiv.Store(time.Now().UnixNano()) }

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActiv.Load()))
}

// readLoop is the socket-inbound half of the multiplexer.
func (s *Session) readLoop(ctx context.Context) error {
	idleTicker := time.NewTicker(idleKeepAlive)
	defer idleTicker.Stop()

	msgCh := make(chan *wire.Message, 1)
	errCh := make(chan error, 1)

	go func() {
		for {
			if s.readTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			}
			m, err := wire.ReadMessage(s.conn)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.stats.Errors.Add(1)
			return err

		case m := <-msgCh:
			s.touch()
			s.stats.MessagesReceived.Add(1)
			s.recordActivity(ActivityReceived, m)
			if err := s.handleInbound(m); err != nil {
				return err
			}

		case <-idleTicker.C:
			if s.idleFor() >= idleTerminate {
				return ErrPeerIdle
			}
			if s.idleFor() >= idleKeepAlive {
				s.enqueue(nil)
			}
		}
	}
}

func (s *Session) handleInbound(m *wire.Message) error {
	if wire.IsKeepAlive(m) {
		return nil
	}
	if err := m.ValidatePayloadSize(); err != nil {
		return err
	}

	switch m.ID {
	case wire.Choke:
		s.setPeerChoking(true)
	case wire.Unchoke:
		s.setPeerChoking(false)
	case wire.Interested:
		s.setPeerInterested(true)
	case wire.NotInterested:
		s.setPeerInterested(false)

	case wire.Have:
		idx, ok := m.ParseHave()
		if !ok {
			return errors.New("peerconn: malformed have")
		}
		s.emit(coordinator.PeerHas{PeerID: s.peerID, Index: int(idx)})

	case wire.Bitfield:
		s.emit(coordinator.PeerBitfield{PeerID: s.peerID, Bitfield: bitfield.FromBytes(m.Payload)})

	case wire.Request:
		idx, begin, length, ok := m.ParseRequest()
		if !ok {
			return errors.New("peerconn: malformed request")
		}
		s.stats.RequestsReceived.Add(1)
		s.emit(coordinator.NeedBlock{PeerID: s.peerID, Index: int(idx), Begin: int(begin), Length: int(length)})

	case wire.Piece:
		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return errors.New("peerconn: malformed piece")
		}
		s.inFlight.Add(-1)
		s.stats.PiecesReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
		s.emit(coordinator.GotBlock{PeerID: s.peerID, Index: int(idx), Begin: int(begin), Data: block})

	case wire.Cancel:
		// Endgame mode is out of scope; cancels are acknowledged implicitly
		// by never prioritizing re-sends.

	case wire.Extended:
		return s.handleExtended(m)

	default:
		// Unknown ids are dropped without error, per the codec's contract.
	}

	return nil
}

func (s *Session) handleExtended(m *wire.Message) error {
	extID, payload, ok := m.ParseExtended()
	if !ok {
		return errors.New("peerconn: malformed extended message")
	}

	if extID == 0 {
		size, remoteID, ok := metadata.ParseHandshake(payload)
		if ok {
			s.stateMu.Lock()
			s.remoteMetadataExID = remoteID
			s.stateMu.Unlock()
		}
		if size > 0 {
			s.emit(coordinator.GotMetadataLength{PeerID: s.peerID, Size: size})
		}
		return nil
	}

	if extID != localMetadataExtID {
		return nil // unrecognized extension id; drop
	}

	msgType, piece, block, err := metadata.ParseMessage(payload)
	if err != nil {
		return nil // malformed metadata message; drop rather than kill the session
	}

	switch msgType {
	case metadata.MsgData:
		s.emit(coordinator.GotMetadataBlock{PeerID: s.peerID, Piece: piece, Data: block})
	case metadata.MsgRequest, metadata.MsgReject:
		// Serving metadata back out to peers bootstrapping from us is not
		// exercised by this client; requests are silently ignored.
	}

	return nil
}

// writeLoop is the socket-outbound half: it drains the outbox and the
// pipelining trigger.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case m, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := wire.WriteMessage(s.conn, m); err != nil {
				s.stats.Errors.Add(1)
				return err
			}
			s.onWritten(m)
		}
	}
}

func (s *Session) onWritten(m *wire.Message) {
	s.stats.MessagesSent.Add(1)
	s.recordActivity(ActivitySent, m)
	if m == nil {
		return
	}
	switch m.ID {
	case wire.Request:
		s.stats.RequestsSent.Add(1)
	case wire.Piece:
		if len(m.Payload) >= 8 {
			s.stats.PiecesSent.Add(1)
			s.stats.Uploaded.Add(uint64(len(m.Payload) - 8))
		}
	}
}

// controlLoop is the coordinator-inbound half, implementing the pipelining
// policy: request a fresh batch whenever nothing is outstanding and we are
// interested and unchoked.
func (s *Session) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(pipelineRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ctrl, ok := <-s.control:
			if !ok {
				return nil
			}
			if done := s.handleControl(ctrl); done {
				return nil
			}

		case <-ticker.C:
			if s.inFlight.Load() == 0 && s.AmInterested() && !s.PeerChoking() {
				s.emit(coordinator.NeedBlockQueue{PeerID: s.peerID})
			}
		}
	}
}

// handleControl returns true if the session should terminate as a result.
func (s *Session) handleControl(ctrl coordinator.Control) bool {
	switch c := ctrl.(type) {
	case coordinator.StartDownload:
		s.emit(coordinator.NeedBlockQueue{PeerID: s.peerID})
		s.emit(coordinator.WhatDoWeHave{PeerID: s.peerID})

	case coordinator.WeHave:
		switch {
		case c.Bitfield.None(), c.Complete:
			s.setInterested(false)
		default:
			s.setInterested(true)
			s.enqueue(wire.MessageBitfield(c.Bitfield.Bytes()))
		}

	case coordinator.NewBlockQueue:
		for _, r := range c.Requests {
			s.inFlight.Add(1)
			s.enqueue(wire.MessageRequest(uint32(r.Index), uint32(r.Begin), uint32(r.Length)))
		}

	case coordinator.Block:
		if c.Data == nil {
			return false
		}
		s.enqueue(wire.MessagePiece(uint32(c.Index), uint32(c.Begin), c.Data))

	case coordinator.FinishedPiece:
		s.enqueue(wire.MessageHave(uint32(c.Index)))
		s.emit(coordinator.WhatDoWeHave{PeerID: s.peerID})

	case coordinator.FinishedFile:
		if !s.PeerInterested() {
			return true
		}

	case coordinator.ExtensionData:
		s.sendExtensionData(c.Kind, c.Payload)

	default:
		s.log.Warn("unhandled control message", "type", fmt.Sprintf("%T", ctrl))
	}

	return false
}

func (s *Session) sendExtensionData(kind string, payload []byte) {
	if kind != metadata.ExtensionName {
		return
	}
	s.stateMu.RLock()
	extID := s.remoteMetadataExID
	s.stateMu.RUnlock()
	if extID == 0 {
		return // peer never advertised support
	}
	s.enqueue(wire.MessageExtended(extID, payload))
}

func (s *Session) sendExtensionHandshake(haveMetadata bool) {
	_ = haveMetadata // metadata_size advertisement for seeding peers is not wired; we are always the requester in this client
	payload, err := metadata.HandshakePayload(int64(localMetadataExtID))
	if err != nil {
		s.log.Warn("failed to build extension handshake", "error", err)
		return
	}
	s.enqueue(wire.MessageExtended(0, payload))
}

func (s *Session) enqueue(m *wire.Message) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.outbox <- m:
	default:
		s.log.Warn("outbox full; dropping message")
	}
}

func (s *Session) emit(ev coordinator.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full; dropping", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) AmChoking() bool      { s.stateMu.RLock(); defer s.stateMu.RUnlock(); return s.amChoking }
func (s *Session) AmInterested() bool   { s.stateMu.RLock(); defer s.stateMu.RUnlock(); return s.amInterested }
func (s *Session) PeerChoking() bool    { s.stateMu.RLock(); defer s.stateMu.RUnlock(); return s.peerChoking }
func (s *Session) PeerInterested() bool { s.stateMu.RLock(); defer s.stateMu.RUnlock(); return s.peerInterested }

func (s *Session) setPeerChoking(v bool) {
	s.stateMu.Lock()
	s.peerChoking = v
	s.stateMu.Unlock()
}

func (s *Session) setPeerInterested(v bool) {
	s.stateMu.Lock()
	s.peerInterested = v
	s.stateMu.Unlock()
}

// setInterested is idempotent: it only flips state (and sends the matching
// message) if the current state differs.
func (s *Session) setInterested(v bool) {
	s.stateMu.Lock()
	changed := s.amInterested != v
	s.amInterested = v
	s.stateMu.Unlock()

	if !changed {
		return
	}
	if v {
		s.enqueue(wire.MessageInterested())
	} else {
		s.enqueue(wire.MessageNotInterested())
	}
}

func (s *Session) recordActivity(direction string, m *wire.Message) {
	a := &Activity{Timestamp: time.Now(), Direction: direction, PayloadSize: 0}
	if m == nil {
		a.MessageType = "keep-alive"
	} else {
		a.MessageType = m.ID.String()
		a.PayloadSize = len(m.Payload)
		if idx, ok := m.ParseHave(); ok {
			a.PieceIndex = &idx
		}
		if idx, begin, _, ok := m.ParseRequest(); ok {
			a.PieceIndex, a.BlockOffset = &idx, &begin
		}
	}
	s.activity.Add(a)
}

// RecentActivity returns up to n of the most recently sent/received wire
// events, oldest first, for diagnostics.
func (s *Session) RecentActivity(n int) []*Activity {
	events, err := s.activity.Get(n)
	if err != nil {
		return nil
	}
	return events
}

// Stats returns a snapshot of this session's transfer counters.
func (s *Session) Stats() Stats {
	var out Stats
	out.Downloaded.Store(s.stats.Downloaded.Load())
	out.Uploaded.Store(s.stats.Uploaded.Load())
	out.DownloadRate.Store(s.stats.DownloadRate.Load())
	out.UploadRate.Store(s.stats.UploadRate.Load())
	out.MessagesReceived.Store(s.stats.MessagesReceived.Load())
	out.MessagesSent.Store(s.stats.MessagesSent.Load())
	out.RequestsSent.Store(s.stats.RequestsSent.Load())
	out.RequestsReceived.Store(s.stats.RequestsReceived.Load())
	out.PiecesReceived.Store(s.stats.PiecesReceived.Load())
	out.PiecesSent.Store(s.stats.PiecesSent.Load())
	out.Errors.Store(s.stats.Errors.Load())
	out.ConnectedAt = s.stats.ConnectedAt
	out.DisconnectedAt = s.stats.DisconnectedAt
	return out
}
