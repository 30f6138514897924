package selector

import (
	"net/netip"
	"testing"

	"github.com/rabbitwire/rabbit/internal/bitfield"
)

func ep(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

func bf(n int, set ...int) bitfield.Bitfield {
	b := bitfield.New(n)
	for _, i := range set {
		b.Set(i)
	}
	return b
}

func TestSelect_NeverReturnsLocallyHeldPiece(t *testing.T) {
	local := bf(4, 0) // have piece 0
	peers := map[netip.AddrPort]bitfield.Bitfield{
		ep(1): bf(4, 0, 1, 2, 3),
	}

	s := New(RarestFirst, 1)
	out := s.Select(4, local, peers)

	if _, ok := out[0]; ok {
		t.Fatalf("piece 0 is locally held but was selected")
	}
	for _, want := range []int{1, 2, 3} {
		if _, ok := out[want]; !ok {
			t.Fatalf("piece %d missing from selection", want)
		}
	}
}

func TestSelect_EmptyHolderPiecesOmitted(t *testing.T) {
	local := bf(3)
	peers := map[netip.AddrPort]bitfield.Bitfield{
		ep(1): bf(3, 0),
	}

	s := New(Distributed, 1)
	out := s.Select(3, local, peers)

	if len(out) != 1 {
		t.Fatalf("got %d entries, want 1", len(out))
	}
	if _, ok := out[0]; !ok {
		t.Fatalf("piece 0 missing")
	}
}

func TestSelectRarestFirst_AssignsRarestPieceToSoleHolder(t *testing.T) {
	local := bf(3)
	peers := map[netip.AddrPort]bitfield.Bitfield{
		ep(1): bf(3, 0, 1, 2),
		ep(2): bf(3, 0, 1),
		ep(3): bf(3, 0),
	}
	// piece 0: 3 holders, piece 1: 2 holders, piece 2: 1 holder.

	s := New(RarestFirst, 42)
	out := s.Select(3, local, peers)

	if got := out[2]; got != ep(1) {
		t.Fatalf("rarest piece 2 assigned to %v, want sole holder %v", got, ep(1))
	}
	if len(out) != 3 {
		t.Fatalf("got %d assignments, want 3", len(out))
	}
}

func TestSelectDistributed_RoundRobinsAcrossCalls(t *testing.T) {
	local := bf(1)
	peers := map[netip.AddrPort]bitfield.Bitfield{
		ep(1): bf(1, 0),
		ep(2): bf(1, 0),
	}

	s := New(Distributed, 7)
	first := s.Select(1, local, peers)[0]
	second := s.Select(1, local, peers)[0]

	if first == second {
		t.Fatalf("round-robin cursor did not advance: both calls picked %v", first)
	}
}

func TestBlocksPerPiece_AndBounds(t *testing.T) {
	if got := BlocksPerPiece(32768); got != 2 {
		t.Fatalf("BlocksPerPiece(32768) = %d, want 2", got)
	}
	if got := BlocksPerPiece(1); got != 1 {
		t.Fatalf("BlocksPerPiece(1) = %d, want 1", got)
	}

	begin, length := BlockBounds(20000, 1)
	if begin != 16384 || length != 3616 {
		t.Fatalf("BlockBounds(20000,1) = (%d,%d), want (16384,3616)", begin, length)
	}
}
