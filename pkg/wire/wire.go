// Package wire implements the sketch exchange protocol spoken between hosts.
//
// The framing follows Bolt: a fixed handshake, then messages split into chunks with
// a 2-byte big-endian size header and terminated by an empty chunk. The payloads are
// versioned JSON documents, zstd-compressed and sealed with a blake2b-256 digest, so
// two hosts running different schema versions fail loudly instead of misreading each
// other.
//
// Protocol Flow:
//
// 1. **Handshake**:
//   - Client sends magic "SKCH" (0x53 0x4B 0x43 0x48)
//   - Client sends four big-endian uint16 version proposals, best first
//   - Server answers with the chosen version, or 0x0000 and closes
//
// 2. **Exchange**:
//   - Client sends GIVE_SKETCH
//   - Server sends MATRIX (its own sketch matrix)
//   - Server sends BUNDLE (the matrices it collected from other hosts)
//   - Client sends CLOSE, both sides close the connection
//
// Any message the server cannot handle is answered with FAILURE and the connection
// is closed.
//
// Message layout (after de-chunking):
//
//	+------+----------------------------------------------+
//	| type | payload                                      |
//	+------+----------------------------------------------+
//	  1 B    zstd(json) || blake2b-256(json)   (MATRIX, BUNDLE)
//	         utf-8 text                        (FAILURE)
//	         empty                             (GIVE_SKETCH, CLOSE)
package wire

import (
	"errors"
)

// Magic opens every connection.
var Magic = [4]byte{0x53, 0x4B, 0x43, 0x48}

// Protocol versions.
const (
	Version1 uint16 = 0x0001

	// VersionNone is the server's answer when no proposal is acceptable.
	VersionNone uint16 = 0x0000
)

// SupportedVersions lists the versions this build speaks, best first.
var SupportedVersions = []uint16{Version1}

// Message types
const (
	MsgGiveSketch byte = 0x01
	MsgMatrix     byte = 0x02
	MsgBundle     byte = 0x03
	MsgClose      byte = 0x04

	MsgFailure byte = 0x7F
)

// SchemaVersion is the version stamped into every payload document.
const SchemaVersion = 1

// DefaultMaxMessageSize bounds a single de-chunked message and a decompressed payload.
const DefaultMaxMessageSize = 64 << 20

// maxChunkSize is the largest size a 2-byte chunk header can carry.
const maxChunkSize = 0xFFFF

var (
	// ErrDeserialization is returned for malformed, tampered or schema-incompatible
	// payloads.
	ErrDeserialization = errors.New("sketch payload deserialization failed")
	// ErrProtocol is returned when the peer violates the message sequence.
	ErrProtocol = errors.New("sketch protocol violation")
	// ErrNoCommonVersion is returned when the handshake finds no shared version.
	ErrNoCommonVersion = errors.New("no common protocol version")
	// ErrMessageTooLarge is returned when a message exceeds the configured bound.
	ErrMessageTooLarge = errors.New("message too large")
)

// MessageName returns a readable name for a message type.
func MessageName(t byte) string {
	switch t {
	case MsgGiveSketch:
		return "GIVE_SKETCH"
	case MsgMatrix:
		return "MATRIX"
	case MsgBundle:
		return "BUNDLE"
	case MsgClose:
		return "CLOSE"
	case MsgFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}
