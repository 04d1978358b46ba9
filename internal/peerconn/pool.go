package peerconn

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nullbyte-labs/swarmcore/internal/coordinator"
)

// PoolOpts configures a Pool for a single torrent.
type PoolOpts struct {
	Log      *slog.Logger
	InfoHash [sha1.Size]byte
	LocalID  [sha1.Size]byte
	Events   chan<- coordinator.Event

	MaxPeers      int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	OutboxBacklog int

	// HaveMetadata is threaded into each new session's extension
	// handshake; false while bootstrapping from a magnet link.
	HaveMetadata bool
}

// Pool dials candidate peer addresses and runs one Session per connection,
// all reporting to the same coordinator event channel.
type Pool struct {
	log    *slog.Logger
	opts   PoolOpts
	dialCh chan netip.AddrPort

	mu       sync.RWMutex
	sessions map[netip.AddrPort]*Session
}

// NewPool constructs a Pool. Run must be called to start dialing admitted
// addresses; idle sessions end themselves, the pool does not evict them.
func NewPool(opts PoolOpts) *Pool {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 50
	}

	return &Pool{
		log:      log.With("component", "peer_pool"),
		opts:     opts,
		dialCh:   make(chan netip.AddrPort, opts.MaxPeers),
		sessions: make(map[netip.AddrPort]*Session),
	}
}

// AdmitPeers queues candidate addresses (from a tracker announce or a
// magnet's x.pe hints) for dialing. Addresses beyond the queue's capacity
// are dropped; the next announce will re-offer them.
func (p *Pool) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case p.dialCh <- addr:
		default:
			p.log.Warn("dial queue full; dropping candidate", "addr", addr)
		}
	}
}

// Run dials candidates and supervises sessions until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	const dialWorkers = 8

	var wg sync.WaitGroup
	for i := 0; i < dialWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dialLoop(ctx)
		}()
	}

	wg.Wait()
	return nil
}

// AdoptIncoming wraps an already-accepted connection (from a listening
// socket) as a Session and runs it in the background.
func (p *Pool) AdoptIncoming(ctx context.Context, conn net.Conn) {
	addr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	var ap netip.AddrPort
	if ok {
		ap = netip.AddrPortFrom(addr, uint16(conn.RemoteAddr().(*net.TCPAddr).Port))
	}
	p.connect(ctx, ap, conn)
}

func (p *Pool) dialLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case addr, ok := <-p.dialCh:
			if !ok {
				return
			}

			p.mu.RLock()
			_, dup := p.sessions[addr]
			total := len(p.sessions)
			p.mu.RUnlock()
			if dup || total >= p.opts.MaxPeers {
				continue
			}

			dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
			conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr.String())
			cancel()
			if err != nil {
				p.log.Debug("dial failed", "addr", addr, "error", err)
				continue
			}

			p.connect(ctx, addr, conn)
		}
	}
}

func (p *Pool) connect(ctx context.Context, addr netip.AddrPort, conn net.Conn) {
	handshakeCtx, cancel := context.WithTimeout(ctx, p.dialTimeout())
	sess, err := NewSession(handshakeCtx, Opts{
		Log:           p.log,
		Conn:          conn,
		Addr:          addr,
		InfoHash:      p.opts.InfoHash,
		PeerID:        p.opts.LocalID,
		ReadTimeout:   p.opts.ReadTimeout,
		WriteTimeout:  p.opts.WriteTimeout,
		OutboxBacklog: p.opts.OutboxBacklog,
		HaveMetadata:  p.opts.HaveMetadata,
		Events:        p.opts.Events,
	})
	cancel()
	if err != nil {
		p.log.Debug("session setup failed", "addr", addr, "error", err)
		return
	}

	p.mu.Lock()
	p.sessions[addr] = sess
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.sessions, addr)
			p.mu.Unlock()
		}()

		if err := sess.Run(ctx); err != nil {
			p.log.Debug("session ended", "addr", addr, "error", err)
		}
	}()
}

func (p *Pool) dialTimeout() time.Duration {
	if p.opts.DialTimeout > 0 {
		return p.opts.DialTimeout
	}
	return 10 * time.Second
}

// Stats returns a snapshot of every live session's transfer counters.
func (p *Pool) Stats() map[netip.AddrPort]Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[netip.AddrPort]Stats, len(p.sessions))
	for addr, sess := range p.sessions {
		out[addr] = sess.Stats()
	}
	return out
}

// PeerCount reports the number of currently connected sessions.
func (p *Pool) PeerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
