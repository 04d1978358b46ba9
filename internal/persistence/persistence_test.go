package persistence

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
)

func testHash(seed byte) [sha1.Size]byte {
	var h [sha1.Size]byte
	h[0] = seed
	return h
}

func TestCreateIfAbsent_ThenGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	hash := testHash(1)
	bf := bitfield.New(3)

	entry := &Entry{
		Bitfield:     bf,
		DataFilePath: "/downloads/movie.mkv",
		AnnounceURL:  "http://tracker.example/announce",
	}

	if _, err := s.CreateIfAbsent(hash, entry); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	got, ok, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if got.DataFilePath != entry.DataFilePath || got.AnnounceURL != entry.AnnounceURL {
		t.Fatalf("Get() = %+v, want %+v", got, entry)
	}
}

func TestCreateIfAbsent_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	hash := testHash(2)

	first := &Entry{DataFilePath: "/downloads/a.bin"}
	second := &Entry{DataFilePath: "/downloads/b.bin"}

	if _, err := s.CreateIfAbsent(hash, first); err != nil {
		t.Fatalf("CreateIfAbsent(first) error = %v", err)
	}
	if _, err := s.CreateIfAbsent(hash, second); err != nil {
		t.Fatalf("CreateIfAbsent(second) error = %v", err)
	}

	got, _, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DataFilePath != first.DataFilePath {
		t.Fatalf("DataFilePath = %q, want %q (first write wins)", got.DataFilePath, first.DataFilePath)
	}
}

func TestUpdateBitfield_PatchesOnlyThatField(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	hash := testHash(3)
	entry := &Entry{DataFilePath: "/downloads/c.bin", AnnounceURL: "http://tracker.example/announce"}
	if _, err := s.CreateIfAbsent(hash, entry); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(2)

	if err := s.UpdateBitfield(hash, bf); err != nil {
		t.Fatalf("UpdateBitfield() error = %v", err)
	}

	got, _, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Bitfield.Has(0) || got.Bitfield.Has(1) || !got.Bitfield.Has(2) {
		t.Fatalf("Bitfield = %v, want [true,false,true]", got.Bitfield)
	}
	if got.DataFilePath != entry.DataFilePath || got.AnnounceURL != entry.AnnounceURL {
		t.Fatalf("UpdateBitfield() mutated fields other than bitfield: %+v", got)
	}
}

func TestUpdateBitfield_NoEntryIsError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.UpdateBitfield(testHash(9), bitfield.New(1)); err == nil {
		t.Fatalf("UpdateBitfield() on absent entry returned nil error")
	}
}

func TestBoundEntry_UpdateBitfield(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	hash := testHash(4)
	if _, err := s.CreateIfAbsent(hash, &Entry{DataFilePath: "/downloads/d.bin"}); err != nil {
		t.Fatalf("CreateIfAbsent() error = %v", err)
	}

	bound := s.Bind(hash)
	bf := bitfield.New(1)
	bf.Set(0)

	if err := bound.UpdateBitfield(bf); err != nil {
		t.Fatalf("BoundEntry.UpdateBitfield() error = %v", err)
	}

	got, _, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Bitfield.Has(0) {
		t.Fatalf("Bitfield = %v, want bit 0 set", got.Bitfield)
	}
}
