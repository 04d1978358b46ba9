// Package piece implements rarest-first piece selection, per-piece block
// accounting, and the glue that commits verified pieces to disk and to the
// persisted bitfield.
package piece

import (
	"crypto/sha1"
	"fmt"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
)

// Request is a single block request: a (piece, begin, length) tuple ready
// to be sent as a wire REQUEST message.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// DataFile is the subset of storage.Store the manager needs. Kept as an
// interface so tests can substitute an in-memory fake.
type DataFile interface {
	WritePiece(index int, data []byte) error
	ReadBlock(index, begin, length int) ([]byte, error)
}

// BitfieldPersister is the subset of the persistence adapter the manager
// needs: a write-through update of the persisted bitfield after each piece
// commit.
type BitfieldPersister interface {
	UpdateBitfield(bf bitfield.Bitfield) error
}

// Manager glues the selector, the in-flight queue, the data file, and the
// persisted bitfield together. It is the only writer of both the data file
// and the in-memory bitfield.
type Manager struct {
	npieces     int
	pieceLength int
	totalLength int
	hashes      [][sha1.Size]byte

	selector *Selector
	queue    *Queue
	file     DataFile
	persist  BitfieldPersister

	bitfield bitfield.Bitfield
}

// NewManager constructs a Manager for a torrent with the given piece
// hashes, nominal piece length, total size, backing data file, and
// persistence adapter. have seeds the in-memory bitfield on restart-resume
// (may be nil for a fresh download).
func NewManager(hashes [][sha1.Size]byte, pieceLength int32, totalLength int64, file DataFile, persist BitfieldPersister, have bitfield.Bitfield, queueBound int) *Manager {
	npieces := len(hashes)

	bf := bitfield.New(npieces)
	if have != nil {
		copy(bf, have)
	}

	m := &Manager{
		npieces:     npieces,
		pieceLength: int(pieceLength),
		totalLength: int(totalLength),
		hashes:      hashes,
		selector:    NewSelector(npieces, bf),
		queue:       NewQueue(queueBound),
		file:        file,
		persist:     persist,
		bitfield:    bf,
	}

	return m
}

// Bitfield returns a defensive copy of the current in-memory bitfield.
func (m *Manager) Bitfield() bitfield.Bitfield {
	return m.bitfield.Clone()
}

// NumPieces reports the torrent's total piece count.
func (m *Manager) NumPieces() int { return m.npieces }

// Complete reports whether every piece has been committed. Bitfield.All
// checks whole-byte saturation, which is wrong when npieces isn't a
// multiple of 8 (the trailing pad bits are always 0), so count instead.
func (m *Manager) Complete() bool {
	return m.bitfield.Count() == m.npieces
}

func (m *Manager) pieceLengthAt(index int) int {
	length, ok := PieceLengthAt(uint32(index), uint64(m.totalLength), uint32(m.pieceLength))
	if !ok {
		return 0
	}
	return int(length)
}

// AddPeer, RemovePeer, SetBitfield, and NoteHave delegate to the selector;
// exposed here so the coordinator only ever talks to the piece manager.
func (m *Manager) AddPeer(peerID string)   { m.selector.AddPeer(peerID) }
func (m *Manager) RemovePeer(peerID string) { m.selector.RemovePeer(peerID) }
func (m *Manager) SetBitfield(peerID string, bf bitfield.Bitfield) {
	m.selector.SetBitfield(peerID, bf)
}
func (m *Manager) NoteHave(peerID string, index int) { m.selector.NoteHave(peerID, index) }

// PeerHas reports whether peerID is known to have piece index.
func (m *Manager) PeerHas(peerID string, index int) bool { return m.selector.PeerHas(peerID, index) }

// PrepareNextBlocks implements prepare_next_blocks: find a queued piece
// the peer can help with, or ask the selector for a new one, then mark up
// to batchSize Want blocks InFlight and return them as requests.
func (m *Manager) PrepareNextBlocks(peerID string, peerHas func(index int) bool, batchSize int) []Request {
	state := m.queue.FindAssignable(peerHas)

	if state == nil && !m.queue.Full() {
		for _, idx := range m.selector.Select(peerID, 1) {
			state = m.queue.Admit(idx, m.pieceLengthAt(idx))
		}
	}
	if state == nil {
		return nil
	}

	var reqs []Request
	for k := range state.Blocks {
		if len(reqs) >= batchSize {
			break
		}
		if state.Blocks[k] != BlockWant {
			continue
		}

		begin, length, ok := BlockOffsetBounds(uint32(state.Length), MaxBlockLength, uint32(k))
		if !ok {
			continue
		}

		state.Blocks[k] = BlockInFlight
		reqs = append(reqs, Request{Index: state.Index, Begin: int(begin), Length: int(length)})
	}

	return reqs
}

// ReleaseBlock puts a single in-flight block back to Want and makes its
// piece selectable again, used when the peer it was requested from
// disconnects before delivering it. Per-request timeouts are not otherwise
// tracked; this is the only path that frees a block without a completed
// delivery or a hash mismatch.
func (m *Manager) ReleaseBlock(index, begin int) {
	state, ok := m.queue.Get(index)
	if !ok {
		return
	}

	blockIdx, ok := BlockIndexForBegin(uint32(begin), uint32(state.Length))
	if !ok || int(blockIdx) >= len(state.Blocks) {
		return
	}
	if state.Blocks[blockIdx] == BlockInFlight {
		state.Blocks[blockIdx] = BlockWant
	}

	m.selector.Requeue(index)
}

// IntegrateBlock implements integrate_block. It returns (true, nil) when
// this block completed and hash-verified the piece, committing it to the
// data file and the persisted bitfield.
func (m *Manager) IntegrateBlock(index, begin int, data []byte) (finished bool, err error) {
	state, ok := m.queue.Get(index)
	if !ok {
		return false, nil // discard silently: not something we're tracking
	}

	copy(state.Buffer[begin:], data)

	blockIdx, ok := BlockIndexForBegin(uint32(begin), uint32(state.Length))
	if ok && int(blockIdx) < len(state.Blocks) {
		state.Blocks[blockIdx] = BlockFinished
	}

	if !state.AllFinished() {
		return false, nil
	}

	sum := sha1.Sum(state.Buffer)
	if sum != m.hashes[index] {
		state.resetBlocks()
		m.selector.Requeue(index)
		return false, fmt.Errorf("piece %d: hash mismatch", index)
	}

	if err := m.file.WritePiece(index, state.Buffer); err != nil {
		return false, fmt.Errorf("piece %d: write: %w", index, err)
	}

	m.bitfield.Set(index)
	m.selector.SetOwned(index)

	if err := m.persist.UpdateBitfield(m.bitfield); err != nil {
		return false, fmt.Errorf("piece %d: persist: %w", index, err)
	}

	m.queue.Remove(index)
	return true, nil
}

// ServeBlock implements serve_block: returns the requested bytes iff we
// own the piece. Out-of-range or IO errors return ok=false.
func (m *Manager) ServeBlock(index, begin, length int) (data []byte, ok bool) {
	if index < 0 || index >= m.npieces || !m.bitfield.Has(index) {
		return nil, false
	}

	block, err := m.file.ReadBlock(index, begin, length)
	if err != nil {
		return nil, false
	}

	return block, true
}
