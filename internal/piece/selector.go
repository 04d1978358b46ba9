package piece

import (
	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/pkg/heap"
)

// rarityEntry is a single (rarity, piece_index) candidate pushed onto the
// selector's lazy heap. The heap is append-only: stale entries left behind
// by rarity updates are rejected on pop rather than removed in place.
type rarityEntry struct {
	rarity uint32
	index  uint32
}

func lessRarityEntry(a, b rarityEntry) bool {
	if a.rarity != b.rarity {
		return a.rarity < b.rarity
	}
	return a.index < b.index
}

// Selector implements rarest-first piece selection with a lazy priority
// heap: rarity updates only ever push new entries, and a popped entry is
// accepted only if its rarity still matches the live rarity vector.
type Selector struct {
	npieces int
	rarity  []uint32
	heap    *heap.PriorityQueue[rarityEntry]

	ourBitfield  bitfield.Bitfield
	peerBitfield map[string]bitfield.Bitfield
	inFlight     []bool
}

// NewSelector constructs a Selector for a torrent with npieces pieces,
// with the local bitfield seeded from have (may be nil for none yet).
func NewSelector(npieces int, have bitfield.Bitfield) *Selector {
	ours := bitfield.New(npieces)
	if have != nil {
		copy(ours, have)
	}

	return &Selector{
		npieces:      npieces,
		rarity:       make([]uint32, npieces),
		heap:         heap.NewPriorityQueue(lessRarityEntry),
		ourBitfield:  ours,
		peerBitfield: make(map[string]bitfield.Bitfield),
		inFlight:     make([]bool, npieces),
	}
}

// AddPeer registers a peer with no known pieces. Idempotent.
func (s *Selector) AddPeer(peerID string) {
	if _, ok := s.peerBitfield[peerID]; ok {
		return
	}
	s.peerBitfield[peerID] = bitfield.New(s.npieces)
}

// RemovePeer decrements rarity for every piece the peer was known to have.
// Heap entries referencing the old rarity are left in place; they are
// rejected lazily on the next Select.
func (s *Selector) RemovePeer(peerID string) {
	bf, ok := s.peerBitfield[peerID]
	if !ok {
		return
	}
	for i := 0; i < s.npieces; i++ {
		if bf.Has(i) && s.rarity[i] > 0 {
			s.rarity[i]--
		}
	}
	delete(s.peerBitfield, peerID)
}

// SetBitfield records a peer's full bitfield and bumps rarity (and pushes
// a fresh heap entry) for every piece the peer has that we lack.
func (s *Selector) SetBitfield(peerID string, bf bitfield.Bitfield) {
	s.AddPeer(peerID)
	local := s.peerBitfield[peerID]

	for i := 0; i < s.npieces; i++ {
		if !bf.Has(i) {
			continue
		}
		local.Set(i)
		if !s.ourBitfield.Has(i) {
			s.rarity[i]++
			s.heap.Enqueue(rarityEntry{rarity: s.rarity[i], index: uint32(i)})
		}
	}
}

// NoteHave records a single HAVE(i) from a peer.
func (s *Selector) NoteHave(peerID string, i int) {
	s.AddPeer(peerID)
	local := s.peerBitfield[peerID]
	if local.Has(i) {
		return
	}
	local.Set(i)
	if !s.ourBitfield.Has(i) {
		s.rarity[i]++
		s.heap.Enqueue(rarityEntry{rarity: s.rarity[i], index: uint32(i)})
	}
}

// SetOwned marks piece i as fully owned locally and clears its in-flight
// flag; future rarity pushes for i are skipped since we no longer need it.
func (s *Selector) SetOwned(i int) {
	s.ourBitfield.Set(i)
	s.inFlight[i] = false
}

// Select pops up to count pieces the given peer can serve that are not
// already in flight, marking accepted pieces in-flight. Stale pops (rarity
// mismatch) are discarded, not reinserted; a pop that is still current but
// belongs to a piece this peer lacks is reinserted so it remains available
// to whichever peer actually has it. Returns nil if nothing is available.
func (s *Selector) Select(peerID string, count int) []int {
	peerBF, ok := s.peerBitfield[peerID]
	if !ok {
		return nil
	}

	var out []int
	var deferred []rarityEntry
	scanLimit := s.heap.Len()
	for len(out) < count && scanLimit > 0 {
		entry, ok := s.heap.Dequeue()
		if !ok {
			break
		}
		scanLimit--

		i := int(entry.index)
		if s.rarity[i] != entry.rarity {
			continue // stale: rarity has since changed
		}
		if s.ourBitfield.Has(i) || s.inFlight[i] {
			continue
		}
		if !peerBF.Has(i) {
			deferred = append(deferred, entry) // current, just not for this peer
			continue
		}

		s.inFlight[i] = true
		out = append(out, i)
	}

	for _, e := range deferred {
		s.heap.Enqueue(e)
	}

	return out
}

// PeerHas reports whether the given peer is known to have piece i,
// according to the most recent SetBitfield/NoteHave for that peer.
func (s *Selector) PeerHas(peerID string, i int) bool {
	bf, ok := s.peerBitfield[peerID]
	if !ok || i < 0 || i >= s.npieces {
		return false
	}
	return bf.Has(i)
}

// Requeue clears a piece's in-flight flag and reinserts it into the heap
// at its current rarity, so it becomes eligible for selection again (used
// when a peer carrying it disconnects mid-flight or a hash check fails).
func (s *Selector) Requeue(i int) {
	if s.ourBitfield.Has(i) {
		return
	}
	s.inFlight[i] = false
	s.heap.Enqueue(rarityEntry{rarity: s.rarity[i], index: uint32(i)})
}
