package coordinator

import "github.com/nullbyte-labs/swarmcore/internal/bitfield"

// Event is anything a peer session can report to the coordinator. The
// coordinator reads every event off one multi-producer channel; events
// from a single session arrive in emission order, events from distinct
// sessions interleave arbitrarily.
type Event interface{ isEvent() }

// NewConnection registers a freshly handshaked session. Registration MUST
// complete before the session forwards any other event.
type NewConnection struct {
	PeerID  string
	Control chan<- Control
}

// PeerBitfield reports a peer's full BITFIELD; replaces any prior rarity
// contribution from this peer.
type PeerBitfield struct {
	PeerID   string
	Bitfield bitfield.Bitfield
}

// PeerHas reports a single HAVE(i).
type PeerHas struct {
	PeerID string
	Index  int
}

// WhatDoWeHave asks the coordinator to reply with a bitfield snapshot.
type WhatDoWeHave struct {
	PeerID string
}

// NeedBlockQueue asks the coordinator to compute a fresh request batch.
type NeedBlockQueue struct {
	PeerID string
}

// GotBlock delivers a received PIECE payload.
type GotBlock struct {
	PeerID string
	Index  int
	Begin  int
	Data   []byte
}

// NeedBlock is an incoming REQUEST from a remote peer wanting us to serve a
// block.
type NeedBlock struct {
	PeerID string
	Index  int
	Begin  int
	Length int
}

// PeerDisconnected unregisters a session unconditionally; it is the only
// event that removes a peer from the registry.
type PeerDisconnected struct {
	PeerID string
}

// GotMetadataLength is emitted once a session's extension handshake
// reports metadata_size, while the coordinator is WaitingForMetadata.
type GotMetadataLength struct {
	PeerID string
	Size   int
}

// NeedMetadataPiece asks the coordinator for the next metadata block to
// request from this peer during the metadata-bootstrap phase.
type NeedMetadataPiece struct {
	PeerID string
}

// GotMetadataBlock delivers a ut_metadata data message's raw block bytes.
type GotMetadataBlock struct {
	PeerID string
	Piece  int
	Data   []byte
}

func (NewConnection) isEvent()     {}
func (PeerBitfield) isEvent()      {}
func (PeerHas) isEvent()           {}
func (WhatDoWeHave) isEvent()      {}
func (NeedBlockQueue) isEvent()    {}
func (GotBlock) isEvent()          {}
func (NeedBlock) isEvent()         {}
func (PeerDisconnected) isEvent()  {}
func (GotMetadataLength) isEvent() {}
func (NeedMetadataPiece) isEvent() {}
func (GotMetadataBlock) isEvent()  {}

// Control is a message the coordinator sends to a single peer session.
type Control interface{ isControl() }

// StartDownload tells a session the piece manager is ready; it should emit
// NeedBlockQueue on its next pipelining opportunity.
type StartDownload struct{}

// WeHave answers WhatDoWeHave with a bitfield snapshot. Complete is carried
// alongside it rather than inferred from the bitfield's trailing pad bits,
// which are always zero and would otherwise make a non-byte-aligned piece
// count indistinguishable from "still missing pieces".
type WeHave struct {
	Bitfield bitfield.Bitfield
	Complete bool
}

// NewBlockQueue hands the session a fresh batch of block requests to
// pipeline onto the wire.
type NewBlockQueue struct {
	Requests []Request
}

// Request mirrors piece.Request at the coordinator/session boundary.
type Request struct {
	Index, Begin, Length int
}

// Block answers NeedBlock; Data is nil if we don't have the piece.
type Block struct {
	Index, Begin int
	Data         []byte
}

// FinishedPiece tells a session to send HAVE(i).
type FinishedPiece struct {
	Index int
}

// FinishedFile tells a session the torrent completed; if the remote is not
// interested in us, the session should close.
type FinishedFile struct{}

// ExtensionData carries an outbound payload for a negotiated extension,
// keyed by its logical name (e.g. "ut_metadata").
type ExtensionData struct {
	Kind    string
	Payload []byte
}

func (StartDownload) isControl() {}
func (WeHave) isControl()        {}
func (NewBlockQueue) isControl() {}
func (Block) isControl()         {}
func (FinishedPiece) isControl() {}
func (FinishedFile) isControl()  {}
func (ExtensionData) isControl() {}
