// Package wire implements the BitTorrent peer wire protocol codec: the
// handshake and the length-prefixed message frames exchanged once a
// connection is established.
package wire

import (
	"crypto/sha1"
	"errors"
)

const (
	protocolID = "BitTorrent protocol"
	reservedN  = 8

	// HandshakeLen is the fixed size of the handshake on the wire.
	HandshakeLen = 1 + len(protocolID) + reservedN + sha1.Size + sha1.Size
)

// Handshake is the fixed 68-byte opening message of a peer connection.
type Handshake struct {
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// ErrIncomplete signals that buf does not yet hold a full value; the caller
// should read more bytes and try again.
var ErrIncomplete = errors.New("wire: incomplete")

// ErrMalformed signals that buf can never be completed into a valid value
// and the connection must be torn down.
var ErrMalformed = errors.New("wire: malformed")

// NewHandshake builds a handshake for the given info hash and local peer id.
func NewHandshake(infoHash, peerID [sha1.Size]byte) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Encode returns the 68-byte wire representation of h.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolID))
	off := 1
	off += copy(buf[off:], protocolID)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])
	return buf
}

// TryParseHandshake attempts to decode a handshake from the head of buf.
//
// It returns (h, HandshakeLen, nil) on success, (Handshake{}, 0,
// ErrIncomplete) if buf is a valid-so-far prefix shorter than HandshakeLen,
// and (Handshake{}, 0, ErrMalformed) if buf can never become a valid
// handshake (wrong pstrlen or protocol string). Only valid as the first
// message on a connection.
func TryParseHandshake(buf []byte) (Handshake, int, error) {
	if len(buf) < 1 {
		return Handshake{}, 0, ErrIncomplete
	}
	if buf[0] != byte(len(protocolID)) {
		return Handshake{}, 0, ErrMalformed
	}
	if len(buf) < 1+len(protocolID) {
		return Handshake{}, 0, ErrIncomplete
	}
	if string(buf[1:1+len(protocolID)]) != protocolID {
		return Handshake{}, 0, ErrMalformed
	}
	if len(buf) < HandshakeLen {
		return Handshake{}, 0, ErrIncomplete
	}

	var h Handshake
	off := 1 + len(protocolID)
	copy(h.Reserved[:], buf[off:off+reservedN])
	off += reservedN
	copy(h.InfoHash[:], buf[off:off+sha1.Size])
	off += sha1.Size
	copy(h.PeerID[:], buf[off:off+sha1.Size])

	return h, HandshakeLen, nil
}

// LooksLikeHandshake reports whether the next bytes of a freshly accepted
// connection begin a handshake rather than a length-prefixed frame. Per
// spec, this is decided by peeking the well-known prefix byte and protocol
// string, since the handshake carries no length prefix.
func LooksLikeHandshake(buf []byte) bool {
	if len(buf) < 4 {
		return len(buf) > 0 && buf[0] == byte(len(protocolID))
	}
	return buf[0] == byte(len(protocolID)) && string(buf[1:4]) == "Bit"
}
