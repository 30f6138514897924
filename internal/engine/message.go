package engine

import (
	"github.com/rabbitwire/rabbit/internal/bitfield"
	"github.com/rabbitwire/rabbit/internal/selector"
	"github.com/rabbitwire/rabbit/internal/wire"
)

// handleMessageLocked dispatches one regular PWP frame. Grounded on the
// teacher's internal/peer/peer.go handleMessage switch, collapsed to one
// MessageID-keyed switch instead of the teacher's split event paths.
func (e *Engine) handleMessageLocked(p *peer, msg *wire.Message) {
	if p.phase == waitingBitfield {
		if msg.ID == wire.Bitfield {
			e.applyBitfieldLocked(p, bitfield.FromBytes(msg.Payload))
			return
		}
		// A peer with nothing to share may omit the Bitfield entirely
		// (spec.md §4.5.3); treat it as all-zero and fall through to
		// handle whatever message actually arrived first.
		e.applyBitfieldLocked(p, bitfield.New(e.numPieces))
	} else if msg.ID == wire.Bitfield {
		// Bitfield is only valid as the first message after the
		// handshake (spec.md §4.5.3).
		e.closePeerLocked(p, errProtocolLateBitfield)
		return
	}

	switch msg.ID {
	case wire.Choke:
		p.peerChoking = true
		if p.phase == interestedUnchoked {
			p.phase = interestedChoked
		}

	case wire.Unchoke:
		p.peerChoking = false
		if p.phase == interestedChoked {
			p.phase = interestedUnchoked
		}

	case wire.Interested:
		p.peerInterested = true
		if p.amChoking {
			p.amChoking = false
			e.fab.Send(p.addr, wire.MessageUnchoke())
		}

	case wire.NotInterested:
		p.peerInterested = false

	case wire.Have:
		idx, ok := msg.ParseHave()
		if !ok || int(idx) >= e.numPieces {
			e.closePeerLocked(p, errProtocolMalformed)
			return
		}
		p.bitfield.Set(int(idx))
		e.maybeBecomeInterestedLocked(p)

	case wire.Request:
		e.handleRequestLocked(p, msg)

	case wire.Piece:
		e.handlePieceLocked(p, msg)

	case wire.Cancel, wire.Port:
		// Cancel (post-completion cancellation) and Port (DHT) are both
		// Non-goals; decoded but intentionally ignored.
	}
}

// applyBitfieldLocked processes a peer's (possibly implicit, all-zero)
// Bitfield and drives the WaitingBitfield -> {NotInterestedChoked,
// InterestedChoked} transition (spec.md §4.5.1 diagram).
func (e *Engine) applyBitfieldLocked(p *peer, bf bitfield.Bitfield) {
	if !bf.ValidForPieceCount(e.numPieces) {
		e.closePeerLocked(p, errProtocolBitfieldLength)
		return
	}
	p.bitfield = bf

	if e.wantsAnythingFromLocked(p) {
		p.amInterested = true
		e.fab.Send(p.addr, wire.MessageInterested())
		p.phase = interestedChoked
	} else {
		p.phase = notInterestedChoked
	}
}

// maybeBecomeInterestedLocked re-evaluates interest after a Have updates
// a peer's bitfield, e.g. promoting a NotInterestedChoked peer once it
// announces a piece we still need.
func (e *Engine) maybeBecomeInterestedLocked(p *peer) {
	if p.amInterested || p.phase == waitingHandshake || p.phase == waitingBitfield || p.phase == closed {
		return
	}
	if !e.wantsAnythingFromLocked(p) {
		return
	}

	p.amInterested = true
	e.fab.Send(p.addr, wire.MessageInterested())
	if p.phase == notInterestedChoked {
		p.phase = interestedChoked
	}
}

func (e *Engine) wantsAnythingFromLocked(p *peer) bool {
	return bitfield.NeedsAnythingFrom(e.localBitfield, p.bitfield, e.numPieces)
}

func (e *Engine) handleRequestLocked(p *peer, msg *wire.Message) {
	idx, begin, length, ok := msg.ParseRequest()
	if !ok {
		e.closePeerLocked(p, errProtocolMalformed)
		return
	}
	if p.amChoking {
		return // peer should not be requesting while choked; ignore
	}

	data, err := e.store.ReadBlock(int(idx), int(begin), int(length))
	if err != nil {
		e.log.Warn("read block for request failed", "addr", p.addr, "piece", idx, "error", err)
		return
	}
	e.fab.Send(p.addr, wire.MessagePiece(idx, begin, data))
}

// handlePieceLocked implements spec.md §4.5.5 in full: write the block,
// track per-piece completion, verify on the last block, broadcast Have,
// and drop interest once nothing further is wanted from p.
func (e *Engine) handlePieceLocked(p *peer, msg *wire.Message) {
	idx, begin, data, ok := msg.ParsePiece()
	if !ok || int(idx) >= e.numPieces {
		e.closePeerLocked(p, errProtocolMalformed)
		return
	}

	delete(p.outstanding, blockKey{piece: int(idx), begin: int(begin)})

	if e.localBitfield.Has(int(idx)) {
		return // already verified; duplicate block from a slow peer
	}

	if err := e.store.WriteBlock(int(idx), int(begin), data); err != nil {
		e.log.Warn("write block failed", "piece", idx, "offset", begin, "error", err)
		return
	}

	prog, ok := e.progress[int(idx)]
	if !ok {
		prog = newPieceProgress()
		e.progress[int(idx)] = prog
	}
	blockIdx := int(begin) / selector.MaxBlockLength
	if !prog.addBlock(blockIdx) {
		return // duplicate block already counted
	}

	pieceLen := e.store.PieceLength(int(idx))
	if prog.count() < selector.BlocksPerPiece(pieceLen) {
		return
	}

	delete(e.progress, int(idx))

	verified, err := e.store.VerifyPiece(int(idx))
	if err != nil {
		e.log.Warn("verify piece failed", "piece", idx, "error", err)
		return
	}
	if !verified {
		e.log.Warn("hash mismatch, piece will be re-requested", "piece", idx)
		delete(e.requestedPieces, int(idx))
		return
	}

	e.localBitfield.Set(int(idx))
	delete(e.requestedPieces, int(idx))
	e.broadcastHaveLocked(int(idx))

	if e.localBitfield.Count() == e.numPieces {
		e.log.Info("download complete, switching to seed-only mode")
	}

	if p.amInterested && !e.wantsAnythingFromLocked(p) {
		p.amInterested = false
		e.fab.Send(p.addr, wire.MessageNotInterested())
		p.phase = notInterestedChoked
	}
}

// broadcastHaveLocked sends Have(idx) to every peer past the handshake
// phase, satisfying the "every Established peer receives Have exactly
// once" testable property (spec.md §8).
func (e *Engine) broadcastHaveLocked(idx int) {
	for addr, p := range e.peers {
		switch p.phase {
		case waitingBitfield, notInterestedChoked, interestedChoked, interestedUnchoked:
			e.fab.Send(addr, wire.MessageHave(uint32(idx)))
		}
	}
}
