// Package metadata implements the BEP-9 metadata extension: downloading the
// bencoded info dictionary itself, in 16 KiB blocks, over an already
// established peer session, when a torrent is bootstrapped from a magnet
// link rather than a .torrent file.
package metadata

import (
	"crypto/sha1"
	"fmt"

	"github.com/nullbyte-labs/swarmcore/internal/bencode"
	"github.com/nullbyte-labs/swarmcore/internal/meta"
	"github.com/nullbyte-labs/swarmcore/pkg/cast"
)

// BlockLength is the fixed chunk size metadata pieces are split into.
const BlockLength = 16 * 1024

// ExtensionName is the identifier advertised in the `m` dictionary of the
// extension handshake for this extension.
const ExtensionName = "ut_metadata"

// MsgType enumerates the ut_metadata message kinds.
type MsgType int64

const (
	MsgRequest MsgType = 0
	MsgData    MsgType = 1
	MsgReject  MsgType = 2
)

// BlockStatus mirrors the piece package's block lifecycle, scoped to
// metadata blocks instead of file blocks.
type BlockStatus uint8

const (
	BlockWant BlockStatus = iota
	BlockInFlight
	BlockFinished
)

// ErrHashMismatch indicates the reassembled buffer did not hash to the
// target info-hash; the engine resets and the caller should retry.
var ErrHashMismatch = fmt.Errorf("metadata: hash mismatch")

// Engine assembles the bencoded info dictionary out of hash-verified
// 16 KiB blocks requested from peers, per the BEP-9 protocol.
type Engine struct {
	infoHash [sha1.Size]byte
	size     int
	buffer   []byte
	blocks   []BlockStatus
}

// NewEngine constructs an Engine once a peer's extension handshake reports
// metadata_size for the given info-hash.
func NewEngine(infoHash [sha1.Size]byte, size int) *Engine {
	nblocks := (size + BlockLength - 1) / BlockLength
	if size <= 0 {
		nblocks = 0
	}

	return &Engine{
		infoHash: infoHash,
		size:     size,
		buffer:   make([]byte, size),
		blocks:   make([]BlockStatus, nblocks),
	}
}

// NumBlocks reports the number of 16 KiB blocks the metadata is split into.
func (e *Engine) NumBlocks() int { return len(e.blocks) }

// NextWantedBlock returns the index of the first block not yet in flight or
// finished, and true. Returns (0, false) if every block is accounted for.
func (e *Engine) NextWantedBlock() (int, bool) {
	for i, b := range e.blocks {
		if b == BlockWant {
			return i, true
		}
	}
	return 0, false
}

// MarkInFlight flags block i as requested, enforcing the spec's
// at-most-one-outstanding-request invariant per metadata block.
func (e *Engine) MarkInFlight(i int) {
	if i >= 0 && i < len(e.blocks) {
		e.blocks[i] = BlockInFlight
	}
}

func (e *Engine) blockBounds(i int) (begin, length int) {
	begin = i * BlockLength
	length = BlockLength
	if begin+length > e.size {
		length = e.size - begin
	}
	return begin, length
}

// IntegrateBlock copies a received data block into the buffer and marks it
// Finished. When every block has arrived, it hashes the buffer against the
// target info-hash: on success it decodes and returns the Metainfo; on
// mismatch it resets every block to Want (per the retry-on-mismatch rule)
// and returns ErrHashMismatch. While blocks remain outstanding it returns
// (nil, nil).
func (e *Engine) IntegrateBlock(i int, data []byte) (*meta.Metainfo, error) {
	if i < 0 || i >= len(e.blocks) {
		return nil, nil
	}

	begin, length := e.blockBounds(i)
	if len(data) != length {
		return nil, fmt.Errorf("metadata: block %d: got %d bytes, want %d", i, len(data), length)
	}

	copy(e.buffer[begin:begin+length], data)
	e.blocks[i] = BlockFinished

	for _, b := range e.blocks {
		if b != BlockFinished {
			return nil, nil
		}
	}

	sum := sha1.Sum(e.buffer)
	if sum != e.infoHash {
		for k := range e.blocks {
			e.blocks[k] = BlockWant
		}
		return nil, ErrHashMismatch
	}

	mi, err := meta.ParseInfoBytes(e.infoHash, e.buffer)
	if err != nil {
		return nil, fmt.Errorf("metadata: decode: %w", err)
	}
	return mi, nil
}

// HandshakePayload builds the bencoded extension-handshake dictionary (ext
// id 0) advertising support for ut_metadata under the given local id.
func HandshakePayload(localID int64) ([]byte, error) {
	dict := map[string]any{
		"m": map[string]any{
			ExtensionName: localID,
		},
	}
	return bencode.Marshal(dict)
}

// ParseHandshake extracts the peer's metadata-size (0, false if absent) and
// the local extension id the peer wants ut_metadata requests sent under.
func ParseHandshake(payload []byte) (metadataSize int, extID uint8, ok bool) {
	v, err := bencode.Unmarshal(payload)
	if err != nil {
		return 0, 0, false
	}

	dict, ok := v.(map[string]any)
	if !ok {
		return 0, 0, false
	}

	if sizeVal, present := dict["metadata_size"]; present {
		if n, err := cast.ToInt(sizeVal); err == nil && n > 0 {
			metadataSize = int(n)
		}
	}

	m, present := dict["m"].(map[string]any)
	if !present {
		return metadataSize, 0, metadataSize > 0
	}

	idVal, present := m[ExtensionName]
	if !present {
		return metadataSize, 0, metadataSize > 0
	}
	n, err := cast.ToInt(idVal)
	if err != nil || n <= 0 || n > 255 {
		return metadataSize, 0, metadataSize > 0
	}

	return metadataSize, uint8(n), true
}

// RequestMessage builds the bencoded ut_metadata request for block i.
func RequestMessage(i int) ([]byte, error) {
	return bencode.Marshal(map[string]any{
		"msg_type": int64(MsgRequest),
		"piece":    int64(i),
	})
}

// ParseMessage splits a raw ut_metadata payload into its bencoded header
// and, for a data message, the trailing raw block bytes that follow it. The
// block bytes sit outside the bencoded dictionary (per BEP-9), so the
// dictionary's own length must be measured to find where it ends.
func ParseMessage(payload []byte) (msgType MsgType, piece int, block []byte, err error) {
	headerLen, err := bencodeValueLength(payload)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: malformed message: %w", err)
	}

	v, err := bencode.Unmarshal(payload[:headerLen])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: malformed message: %w", err)
	}

	dict, ok := v.(map[string]any)
	if !ok {
		return 0, 0, nil, fmt.Errorf("metadata: message is not a dict")
	}

	mt, err := cast.ToInt(dict["msg_type"])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: missing msg_type: %w", err)
	}

	p, err := cast.ToInt(dict["piece"])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("metadata: missing piece: %w", err)
	}

	msgType = MsgType(mt)
	piece = int(p)

	if msgType == MsgData {
		block = payload[headerLen:]
	}

	return msgType, piece, block, nil
}

// bencodeValueLength returns the byte length of the single bencoded value
// at the start of b, without decoding it into Go values. Used to locate the
// boundary between a ut_metadata message's bencoded header and the raw
// block bytes that follow a data message.
func bencodeValueLength(b []byte) (int, error) {
	n, err := scanBencodeValue(b, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanBencodeValue(b []byte, pos int) (int, error) {
	if pos >= len(b) {
		return 0, fmt.Errorf("unexpected end of input")
	}

	switch b[pos] {
	case 'i':
		end := indexByteFrom(b, pos+1, 'e')
		if end < 0 {
			return 0, fmt.Errorf("unterminated integer")
		}
		return end + 1, nil

	case 'd', 'l':
		p := pos + 1
		for {
			if p >= len(b) {
				return 0, fmt.Errorf("unterminated container")
			}
			if b[p] == 'e' {
				return p + 1, nil
			}
			n, err := scanBencodeValue(b, p)
			if err != nil {
				return 0, err
			}
			p = n
		}

	default: // string: <len>:<bytes>
		colon := indexByteFrom(b, pos, ':')
		if colon < 0 {
			return 0, fmt.Errorf("malformed string length")
		}
		length := 0
		for _, c := range b[pos:colon] {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("malformed string length")
			}
			length = length*10 + int(c-'0')
		}
		end := colon + 1 + length
		if end > len(b) {
			return 0, fmt.Errorf("truncated string")
		}
		return end, nil
	}
}

func indexByteFrom(b []byte, from int, c byte) int {
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
