package wire

import (
	"bytes"
	"errors"
	"testing"
)

// Scenario 1 from spec.md §8.
func TestHandshakeEncoding_Scenario(t *testing.T) {
	infoHash := [20]byte{
		0x06, 0x71, 0x33, 0xAC, 0xE5, 0xDD, 0x0C, 0x50, 0x27, 0xB9,
		0x9D, 0xE5, 0xD4, 0xBA, 0x51, 0x28, 0x28, 0x20, 0x8D, 0x5B,
	}
	peerID := [20]byte{
		0x2D, 0x42, 0x45, 0x30, 0x30, 0x30, 0x31, 0x2D, 0x6E, 0x9A,
		0xB4, 0x40, 0x2C, 0x62, 0x2E, 0x2E, 0x7A, 0x71, 0x5D, 0x9D,
	}

	h := NewHandshake(infoHash, peerID)
	got := h.Encode()

	wantPrefix := []byte{
		0x13, 0x42, 0x69, 0x74, 0x54, 0x6F, 0x72, 0x72, 0x65, 0x6E,
		0x74, 0x20, 0x70, 0x72, 0x6F, 0x74, 0x6F, 0x63, 0x6F, 0x6C,
	}
	if !bytes.Equal(got[:len(wantPrefix)], wantPrefix) {
		t.Fatalf("prefix = % X, want % X", got[:len(wantPrefix)], wantPrefix)
	}

	for i := 0; i < reservedN; i++ {
		if got[len(wantPrefix)+i] != 0 {
			t.Fatalf("reserved byte %d non-zero", i)
		}
	}

	if len(got) != HandshakeLen {
		t.Fatalf("length = %d, want %d", len(got), HandshakeLen)
	}
	if !bytes.Equal(got[len(got)-40:len(got)-20], infoHash[:]) {
		t.Fatalf("info hash mismatch")
	}
	if !bytes.Equal(got[len(got)-20:], peerID[:]) {
		t.Fatalf("peer id mismatch")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	h := NewHandshake(infoHash, peerID)
	encoded := h.Encode()

	decoded, n, err := TryParseHandshake(encoded)
	if err != nil {
		t.Fatalf("TryParseHandshake error: %v", err)
	}
	if n != HandshakeLen {
		t.Fatalf("consumed %d, want %d", n, HandshakeLen)
	}
	if decoded.InfoHash != h.InfoHash || decoded.PeerID != h.PeerID {
		t.Fatalf("round-trip mismatch: %+v vs %+v", decoded, h)
	}
}

func TestTryParseHandshake_Incomplete(t *testing.T) {
	var infoHash, peerID [20]byte
	full := NewHandshake(infoHash, peerID).Encode()

	for cut := 0; cut < len(full); cut++ {
		_, _, err := TryParseHandshake(full[:cut])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("cut=%d: want ErrIncomplete, got %v", cut, err)
		}
	}
}

func TestTryParseHandshake_Malformed(t *testing.T) {
	buf := []byte{0x05, 'h', 'e', 'l', 'l', 'o'}
	if _, _, err := TryParseHandshake(buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}

	buf2 := append([]byte{0x13}, []byte("WrongProtocolStrng!")...)
	if _, _, err := TryParseHandshake(buf2); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}
