// Package persistence implements the idempotent get/create/update adapter
// over a bitfield/torrent-metadata cache, keyed by hex info-hash, backed by
// a bbolt key-value file.
package persistence

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nullbyte-labs/swarmcore/internal/bitfield"
	"github.com/nullbyte-labs/swarmcore/internal/meta"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("torrents")

// Entry is the persisted record for one torrent: its bitfield (patched
// after every piece commit), the backing data file's path, the parsed
// metainfo, and the announce URL it was started with. No other field is
// ever mutated by the core.
type Entry struct {
	Bitfield     bitfield.Bitfield `json:"bitfield"`
	DataFilePath string            `json:"data_file_path"`
	Metainfo     *meta.Metainfo    `json:"metainfo"`
	AnnounceURL  string            `json:"announce_url"`
}

// Store is a single-file bbolt-backed key-value cache mapping a hex
// info-hash to its Entry.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the store at path, ensuring the torrents bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func keyFor(infoHash [sha1.Size]byte) []byte {
	return []byte(hex.EncodeToString(infoHash[:]))
}

// Get returns the persisted entry for infoHash, and ok=false if none
// exists (a fresh download).
func (s *Store) Get(infoHash [sha1.Size]byte) (*Entry, bool, error) {
	var (
		entry Entry
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(keyFor(infoHash))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, false, fmt.Errorf("persistence: get: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	return &entry, true, nil
}

// CreateIfAbsent inserts entry for infoHash iff no record exists yet,
// implementing the create-if-absent contract for a torrent's first start.
// Returns the entry actually stored (the new one, or the pre-existing one
// on a race/duplicate start).
func (s *Store) CreateIfAbsent(infoHash [sha1.Size]byte, entry *Entry) (*Entry, error) {
	var stored Entry

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := keyFor(infoHash)

		if raw := b.Get(key); raw != nil {
			return json.Unmarshal(raw, &stored)
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}
		stored = *entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: create: %w", err)
	}

	return &stored, nil
}

// UpdateBitfield patches only the bitfield field of the existing entry for
// infoHash, write-through after each piece commit, per the spec's
// single-owner persistence model. Returns an error if no entry exists yet.
func (s *Store) UpdateBitfield(infoHash [sha1.Size]byte, bf bitfield.Bitfield) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := keyFor(infoHash)

		raw := b.Get(key)
		if raw == nil {
			return fmt.Errorf("persistence: no entry for %x", infoHash)
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		entry.Bitfield = bf.Clone()

		patched, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put(key, patched)
	})
	if err != nil {
		return fmt.Errorf("persistence: update bitfield: %w", err)
	}
	return nil
}

// BoundEntry binds a Store to a single torrent's info-hash, implementing
// piece.BitfieldPersister so the piece manager never has to thread the
// info-hash through every call.
type BoundEntry struct {
	store    *Store
	infoHash [sha1.Size]byte
}

// Bind returns a BoundEntry scoped to infoHash.
func (s *Store) Bind(infoHash [sha1.Size]byte) *BoundEntry {
	return &BoundEntry{store: s, infoHash: infoHash}
}

func (b *BoundEntry) UpdateBitfield(bf bitfield.Bitfield) error {
	return b.store.UpdateBitfield(b.infoHash, bf)
}
