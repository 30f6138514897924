// Package selector implements the Piece Selector (C4): a pure function
// of (local bitfield, peer bitfields) that assigns each wanted piece to a
// holding peer. Grounded on the teacher's internal/piece/strategy.go
// (selectRarestFirst, selectSequential used as the round-robin model) and
// internal/piece/availability_bucket.go (bucket-by-holder-count idea,
// here recomputed per call rather than incrementally maintained, since
// spec.md requires the selector be "a pure function of its inputs and
// therefore trivially testable" — no endgame mode, no in-flight block
// state; that bookkeeping belongs to the Session Engine).
package selector

import (
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/rabbitwire/rabbit/internal/bitfield"
)

// Strategy selects which algorithm Select uses to assign holders.
type Strategy uint8

const (
	Distributed Strategy = iota
	RarestFirst
)

// Selector assigns pieces to holding peers. It keeps only the minimal
// state a pure "round-robin across calls" strategy needs: a per-piece
// cursor remembering which holder was served last.
type Selector struct {
	strategy Strategy
	rng      *rand.Rand
	cursor   map[int]int // piece index -> last holder index served
}

// New returns a Selector using the given strategy. rngSeed fixes the
// random source used by RarestFirst's holder choice and Distributed's
// final shuffle, for deterministic tests; pass 0 to seed from time.
func New(strategy Strategy, rngSeed int64) *Selector {
	src := rand.NewSource(rngSeed)
	if rngSeed == 0 {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Selector{
		strategy: strategy,
		rng:      rand.New(src),
		cursor:   make(map[int]int),
	}
}

// Select returns piece_index -> endpoint for every piece the local side
// still needs and at least one peer holds. numPieces is the torrent's
// actual piece count N (the wire bitfield pads to a byte boundary, so
// callers must pass N rather than local.Len()). local is the local
// bitfield; peers maps each connected peer's endpoint to its bitfield.
func (s *Selector) Select(numPieces int, local bitfield.Bitfield, peers map[netip.AddrPort]bitfield.Bitfield) map[int]netip.AddrPort {
	holders := holdersByPiece(numPieces, local, peers)

	switch s.strategy {
	case RarestFirst:
		return s.selectRarestFirst(holders)
	default:
		return s.selectDistributed(holders)
	}
}

// holdersByPiece returns, for each piece still wanted locally, the sorted
// list of endpoints that hold it. Pieces with no holders are omitted.
func holdersByPiece(n int, local bitfield.Bitfield, peers map[netip.AddrPort]bitfield.Bitfield) map[int][]netip.AddrPort {
	out := make(map[int][]netip.AddrPort)

	// Stable iteration order makes ties ("broken arbitrarily but
	// deterministically") reproducible across calls with the same input.
	endpoints := make([]netip.AddrPort, 0, len(peers))
	for ep := range peers {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].String() < endpoints[j].String() })

	for i := 0; i < n; i++ {
		if local.Has(i) {
			continue
		}
		for _, ep := range endpoints {
			if bf := peers[ep]; bf.Has(i) {
				out[i] = append(out[i], ep)
			}
		}
	}

	return out
}

// selectDistributed picks a holder for each wanted piece by round-robin
// across the calls (cursor advances each time a piece is selected), then
// shuffles the output order to avoid head-of-line bias.
func (s *Selector) selectDistributed(holders map[int][]netip.AddrPort) map[int]netip.AddrPort {
	pieces := make([]int, 0, len(holders))
	for i := range holders {
		pieces = append(pieces, i)
	}
	sort.Ints(pieces)
	s.rng.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

	out := make(map[int]netip.AddrPort, len(pieces))
	for _, i := range pieces {
		h := holders[i]
		cursor := (s.cursor[i] + 1) % len(h)
		s.cursor[i] = cursor
		out[i] = h[cursor]
	}

	return out
}

// selectRarestFirst orders wanted pieces by ascending holder count, then
// for each picks a holder uniformly at random from that piece's holders.
func (s *Selector) selectRarestFirst(holders map[int][]netip.AddrPort) map[int]netip.AddrPort {
	pieces := make([]int, 0, len(holders))
	for i := range holders {
		pieces = append(pieces, i)
	}
	sort.Slice(pieces, func(i, j int) bool {
		pi, pj := pieces[i], pieces[j]
		if len(holders[pi]) != len(holders[pj]) {
			return len(holders[pi]) < len(holders[pj])
		}
		return pi < pj // deterministic tiebreak
	})

	out := make(map[int]netip.AddrPort, len(pieces))
	for _, i := range pieces {
		h := holders[i]
		out[i] = h[s.rng.Intn(len(h))]
	}

	return out
}
