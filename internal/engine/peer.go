package engine

import (
	"net/netip"

	"github.com/rabbitwire/rabbit/internal/bitfield"
)

// phase is the per-peer state machine position from spec.md §4.5.1's
// leecher-side chain, layered on top of the independent seeder-side axis
// (amChoking/peerInterested, tracked separately on peer since the wire
// protocol lets both directions evolve at once on the same connection).
type phase uint8

const (
	unconnected phase = iota
	waitingHandshake
	waitingBitfield
	notInterestedChoked
	interestedChoked
	interestedUnchoked
	closed
)

func (p phase) String() string {
	switch p {
	case unconnected:
		return "unconnected"
	case waitingHandshake:
		return "waiting_handshake"
	case waitingBitfield:
		return "waiting_bitfield"
	case notInterestedChoked:
		return "not_interested_choked"
	case interestedChoked:
		return "interested_choked"
	case interestedUnchoked:
		return "interested_unchoked"
	case closed:
		return "closed"
	default:
		return "unknown"
	}
}

// peer tracks everything the engine knows about one connection. Fields
// are owned by the engine and only touched while holding Engine.mu: by
// the loop goroutine, by the dialPeer goroutines it starts, and by the
// announce loop's peer callback.
type peer struct {
	addr netip.AddrPort

	phase   phase
	dialing bool // a Connect() attempt is in flight for this peer

	bitfield bitfield.Bitfield // all-zero until Bitfield received (or implied)

	amInterested   bool
	peerChoking    bool // true until peer sends Unchoke
	amChoking      bool // true until we send Unchoke (seeder axis)
	peerInterested bool

	outstanding map[blockKey]struct{}
}

func newPeer(addr netip.AddrPort, numPieces int) *peer {
	return &peer{
		addr:        addr,
		phase:       unconnected,
		bitfield:    bitfield.New(numPieces),
		peerChoking: true,
		amChoking:   true,
		outstanding: make(map[blockKey]struct{}),
	}
}

// blockKey identifies one in-flight block request.
type blockKey struct {
	piece int
	begin int
}
