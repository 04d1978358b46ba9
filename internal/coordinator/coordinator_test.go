package coordinator

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/internal/piece"
)

type fakeDataFile struct {
	pieces map[int][]byte
}

func newFakeDataFile() *fakeDataFile { return &fakeDataFile{pieces: make(map[int][]byte)} }

func (f *fakeDataFile) WritePiece(index int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.pieces[index] = cp
	return nil
}

func (f *fakeDataFile) ReadBlock(index, begin, length int) ([]byte, error) {
	return f.pieces[index][begin : begin+length], nil
}

type noopPersister struct{}

func (noopPersister) UpdateBitfield(bitfield.Bitfield) error { return nil }

// threePieceManager builds the exact torrent from the spec's scenario 1:
// piece_length=32, pieces "A"*32, "B"*32, "C"*16, length=80.
func threePieceManager(t *testing.T) (*piece.Manager, *fakeDataFile) {
	t.Helper()

	p0 := make([]byte, 32)
	for i := range p0 {
		p0[i] = 'A'
	}
	p1 := make([]byte, 32)
	for i := range p1 {
		p1[i] = 'B'
	}
	p2 := make([]byte, 16)
	for i := range p2 {
		p2[i] = 'C'
	}

	hashes := [][sha1.Size]byte{sha1.Sum(p0), sha1.Sum(p1), sha1.Sum(p2)}
	file := newFakeDataFile()

	pm := piece.NewManager(hashes, 32, 80, file, noopPersister{}, nil, 0)
	return pm, file
}

func TestCoordinator_SingleFileThreePieceDownload(t *testing.T) {
	pm, file := threePieceManager(t)

	var sawFinishedFile bool
	c := NewDownloading(sha1.Sum([]byte("scenario1")), pm, Opts{
		OnSeeding: func() { sawFinishedFile = true },
	})

	ctrl := make(chan Control, 16)
	c.handle(NewConnection{PeerID: "A", Control: ctrl})
	<-ctrl // StartDownload

	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	c.handle(PeerBitfield{PeerID: "A", Bitfield: bf})

	data := map[int][]byte{
		0: bytesOf('A', 32),
		1: bytesOf('B', 32),
		2: bytesOf('C', 16),
	}

	for i := 0; i < 3; i++ {
		c.handle(NeedBlockQueue{PeerID: "A"})
		msg := <-ctrl
		// The previous piece's FinishedPiece broadcast shares this channel
		// and arrives before the batch; step past it.
		for {
			if _, fin := msg.(FinishedPiece); !fin {
				break
			}
			msg = <-ctrl
		}
		batch, ok := msg.(NewBlockQueue)
		if !ok || len(batch.Requests) == 0 {
			t.Fatalf("expected a NewBlockQueue with requests, got %#v", msg)
		}
		for _, r := range batch.Requests {
			block := data[r.Index][r.Begin : r.Begin+r.Length]
			c.handle(GotBlock{PeerID: "A", Index: r.Index, Begin: r.Begin, Data: block})
		}
	}

	if c.Phase() != Seeding {
		t.Fatalf("Phase() = %v, want Seeding", c.Phase())
	}
	if !sawFinishedFile {
		t.Fatalf("OnSeeding callback never fired")
	}
	if string(file.pieces[0]) != string(data[0]) || string(file.pieces[2]) != string(data[2]) {
		t.Fatalf("file contents do not match source pieces")
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestCoordinator_HashMismatchRecovery(t *testing.T) {
	pm, _ := threePieceManager(t)
	c := NewDownloading(sha1.Sum([]byte("scenario2")), pm, Opts{})

	ctrl := make(chan Control, 16)
	c.handle(NewConnection{PeerID: "A", Control: ctrl})
	<-ctrl

	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	c.handle(PeerBitfield{PeerID: "A", Bitfield: bf})

	// Each NeedBlockQueue call admits one new piece into flight (tie-broken
	// by ascending index), so pull twice to reach piece 1's requests.
	var piece1Reqs []Request
	for i := 0; i < 2 && len(piece1Reqs) == 0; i++ {
		c.handle(NeedBlockQueue{PeerID: "A"})
		batch := (<-ctrl).(NewBlockQueue)
		for _, r := range batch.Requests {
			if r.Index == 1 {
				piece1Reqs = append(piece1Reqs, r)
			}
		}
	}
	if len(piece1Reqs) == 0 {
		t.Fatalf("test setup error: piece 1 was never scheduled within 2 batches")
	}

	for _, r := range piece1Reqs {
		corrupt := make([]byte, r.Length)
		corrupt[0] = 0xFF
		c.handle(GotBlock{PeerID: "A", Index: r.Index, Begin: r.Begin, Data: corrupt})
	}

	// Piece 1 must become requestable again.
	c.handle(NeedBlockQueue{PeerID: "A"})
	select {
	case again := <-ctrl:
		batch2, ok := again.(NewBlockQueue)
		if !ok {
			t.Fatalf("expected NewBlockQueue on retry, got %#v", again)
		}
		found := false
		for _, r := range batch2.Requests {
			if r.Index == 1 {
				found = true
			}
		}
		if !found {
			t.Fatalf("piece 1 was not re-offered after hash mismatch")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for retry batch")
	}
}

func TestCoordinator_PeerDisconnectReleasesInFlightPieces(t *testing.T) {
	pm, _ := threePieceManager(t)
	c := NewDownloading(sha1.Sum([]byte("scenario4")), pm, Opts{})

	ctrlA := make(chan Control, 16)
	ctrlB := make(chan Control, 16)
	c.handle(NewConnection{PeerID: "A", Control: ctrlA})
	<-ctrlA
	c.handle(NewConnection{PeerID: "B", Control: ctrlB})
	<-ctrlB

	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	c.handle(PeerBitfield{PeerID: "A", Bitfield: bf})
	c.handle(PeerBitfield{PeerID: "B", Bitfield: bf})

	c.handle(NeedBlockQueue{PeerID: "A"})
	batch := (<-ctrlA).(NewBlockQueue)
	if len(batch.Requests) == 0 {
		t.Fatalf("expected a non-empty batch for peer A")
	}

	// A disconnects before delivering anything.
	c.handle(PeerDisconnected{PeerID: "A"})

	// B must now be able to pick up the same piece.
	c.handle(NeedBlockQueue{PeerID: "B"})
	select {
	case msg := <-ctrlB:
		batchB, ok := msg.(NewBlockQueue)
		if !ok || len(batchB.Requests) == 0 {
			t.Fatalf("expected peer B to receive work after A's disconnect, got %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for peer B's batch")
	}
}

func TestCoordinator_RestartResumeStartsInSeeding(t *testing.T) {
	have := bitfield.New(3)
	have.Set(0)
	have.Set(1)
	have.Set(2)
	// Simulate a resumed manager by marking ownership directly through the
	// same constructor path a restart would use.
	pm2 := piece.NewManager(
		[][sha1.Size]byte{{}, {}, {}},
		32, 80, newFakeDataFile(), noopPersister{}, have, 0,
	)

	c := NewDownloading(sha1.Sum([]byte("scenario6")), pm2, Opts{})
	if c.Phase() != Seeding {
		t.Fatalf("Phase() = %v, want Seeding on restart with a full bitfield", c.Phase())
	}

	ctrl := make(chan Control, 4)
	c.handle(NewConnection{PeerID: "A", Control: ctrl})

	msg := <-ctrl
	if _, ok := msg.(StartDownload); !ok {
		t.Fatalf("expected StartDownload on connect, got %#v", msg)
	}

	c.handle(NeedBlockQueue{PeerID: "A"})
	select {
	case extra := <-ctrl:
		t.Fatalf("coordinator issued work while seeding: %#v", extra)
	case <-time.After(100 * time.Millisecond):
		// no request batch: already complete, nothing to schedule.
	}
}
