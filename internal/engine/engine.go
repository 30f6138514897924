// Package engine implements the Session Engine (C5): the per-peer state
// machine, the swarm-wide orchestration loop that drives every session,
// request dispatch, and piece-completion bookkeeping. Grounded on the
// teacher's internal/scheduler/scheduler.go event-loop shape
// (eventQueue + ticker select) and internal/peer/peer.go's handleMessage
// dispatch switch, collapsed here into one consistent inbound-message
// handling path instead of the teacher's two incompatible duplicate
// event systems (internal/scheduler/events.go vs. peer_event.go).
package engine

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/rabbitwire/rabbit/internal/bitfield"
	"github.com/rabbitwire/rabbit/internal/config"
	"github.com/rabbitwire/rabbit/internal/fabric"
	"github.com/rabbitwire/rabbit/internal/meta"
	"github.com/rabbitwire/rabbit/internal/selector"
	"github.com/rabbitwire/rabbit/internal/storage"
	"github.com/rabbitwire/rabbit/internal/tracker"
	"github.com/rabbitwire/rabbit/internal/wire"
	"golang.org/x/sync/errgroup"
)

// tickInterval paces the orchestration loop's recurring work (dialing
// Unconnected peers, dispatching requests to InterestedUnchoked peers)
// independent of inbound traffic, per spec.md §4.5.6 and §5's "Engine
// blocks on the inbound channel receive with a short timeout so it can
// also periodically run the selector even in silence."
const tickInterval = 250 * time.Millisecond

// mockPeerPorts are the three hard-coded local endpoints populated by
// the -m/--mock CLI flag instead of a tracker announce.
var mockPeerPorts = [3]uint16{2001, 2002, 2003}

// Engine owns the swarm-wide state spec.md §3 calls Global Session
// State: local_bitfield, requested_pieces, peer_states, peer_bitfields
// (the latter folded into each peer's bitfield field).
type Engine struct {
	cfg      *config.Config
	log      *slog.Logger
	metainfo *meta.Metainfo
	store    *storage.Store
	fab      *fabric.Fabric
	sel      *selector.Selector

	infoHash  [sha1.Size]byte
	clientID  [sha1.Size]byte
	numPieces int
	mockPeers bool

	announceURL string

	mu              sync.Mutex
	localBitfield   bitfield.Bitfield
	peers           map[netip.AddrPort]*peer
	progress        map[int]*pieceProgress
	requestedPieces map[int]bool
}

// New constructs an Engine. fab must not yet be running; Run starts it.
func New(cfg *config.Config, log *slog.Logger, metainfo *meta.Metainfo, store *storage.Store, fab *fabric.Fabric, sel *selector.Selector, announceURL string) *Engine {
	return &Engine{
		cfg:             cfg,
		log:             log.With("component", "engine"),
		metainfo:        metainfo,
		store:           store,
		fab:             fab,
		sel:             sel,
		infoHash:        metainfo.InfoHash,
		clientID:        cfg.ClientID,
		numPieces:       metainfo.NumPieces(),
		mockPeers:       cfg.MockPeers,
		announceURL:     announceURL,
		peers:           make(map[netip.AddrPort]*peer),
		progress:        make(map[int]*pieceProgress),
		requestedPieces: make(map[int]bool),
	}
}

// Run executes spec.md §4.5.6's orchestration loop until ctx is
// cancelled or an unrecoverable error occurs.
func (e *Engine) Run(ctx context.Context) error {
	bf, err := e.store.HashExisting()
	if err != nil {
		return fmt.Errorf("engine: hash existing pieces: %w", err)
	}

	e.mu.Lock()
	e.localBitfield = bf
	complete := bf.Count() == e.numPieces
	e.mu.Unlock()

	if complete {
		e.log.Info("torrent already complete, running in seed-only mode")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.fab.Run(gctx) })

	switch {
	case e.mockPeers:
		e.seedMockPeers()
	case !complete:
		g.Go(func() error { return e.runAnnounceLoop(gctx) })
	}

	g.Go(func() error { return e.loop(gctx) })

	return g.Wait()
}

// Snapshot is a point-in-time status summary for the -i/--info CLI flag.
type Snapshot struct {
	PiecesHave   int
	PiecesTotal  int
	PeerCount    int
	BytesRead    uint64
	BytesWritten uint64
}

// Snapshot returns the engine's current progress and the fabric's
// swarm-wide byte counters, safe to call from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	have := 0
	if e.localBitfield != nil {
		have = e.localBitfield.Count()
	}
	peerCount := len(e.peers)
	e.mu.Unlock()

	stats := e.fab.TotalStats()

	return Snapshot{
		PiecesHave:   have,
		PiecesTotal:  e.numPieces,
		PeerCount:    peerCount,
		BytesRead:    stats.BytesRead,
		BytesWritten: stats.BytesWritten,
	}
}

func (e *Engine) seedMockPeers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, port := range mockPeerPorts {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
		if _, ok := e.peers[addr]; !ok {
			e.peers[addr] = newPeer(addr, e.numPieces)
		}
	}
}

func (e *Engine) runAnnounceLoop(ctx context.Context) error {
	client, err := tracker.New(e.announceURL, e.log)
	if err != nil {
		return fmt.Errorf("engine: tracker client: %w", err)
	}

	buildParams := func(event tracker.Event) *tracker.AnnounceParams {
		e.mu.Lock()
		left := e.bytesLeftLocked()
		e.mu.Unlock()

		return &tracker.AnnounceParams{
			InfoHash: e.infoHash,
			PeerID:   e.clientID,
			Port:     e.cfg.ListenPort,
			Left:     uint64(left),
			NumWant:  e.cfg.NumWant,
			Event:    event,
		}
	}

	onPeers := func(found []netip.AddrPort) {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, addr := range found {
			if _, ok := e.peers[addr]; !ok {
				e.peers[addr] = newPeer(addr, e.numPieces)
			}
		}
	}

	return tracker.NewLoop(client, e.log, buildParams, onPeers, e.cfg.AnnounceBackoff, e.cfg.MaxAnnounceRetry).Run(ctx)
}

func (e *Engine) bytesLeftLocked() int64 {
	total := e.metainfo.Size()
	have := int64(0)
	for i := 0; i < e.numPieces; i++ {
		if e.localBitfield.Has(i) {
			have += e.store.PieceLength(i)
		}
	}
	return total - have
}

// loop is the goroutine that drives peer_states, peer_bitfields,
// local_bitfield, and requested_pieces. Other goroutines (dialPeer, the
// announce loop's peer callback, Snapshot) also read or update them, always
// under e.mu.
func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case in, ok := <-e.fab.Inbound:
			if !ok {
				return nil
			}
			e.handleInbound(in)

		case <-ticker.C:
			e.tick()
		}
	}
}

// tick drives every peer's state machine one step: dial Unconnected
// peers, and dispatch one piece's worth of requests to each
// InterestedUnchoked peer that the selector just assigned work to.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.localBitfield.Count() == e.numPieces {
		return // serve-only mode: nothing left to request or dial for
	}

	peerBitfields := make(map[netip.AddrPort]bitfield.Bitfield, len(e.peers))
	for addr, p := range e.peers {
		if p.phase != closed {
			peerBitfields[addr] = p.bitfield
		}
	}
	assignment := e.sel.Select(e.numPieces, e.localBitfield, peerBitfields)

	// Throttle to one piece per peer per cycle (spec.md §4.5.4).
	pieceForPeer := make(map[netip.AddrPort]int, len(assignment))
	for idx, addr := range assignment {
		if _, already := pieceForPeer[addr]; !already {
			pieceForPeer[addr] = idx
		}
	}

	for addr, p := range e.peers {
		switch p.phase {
		case unconnected:
			if !p.dialing {
				p.dialing = true
				go e.dialPeer(addr)
			}

		case interestedUnchoked:
			idx, ok := pieceForPeer[addr]
			if !ok || e.requestedPieces[idx] {
				continue
			}
			e.dispatchRequests(p, idx)
			e.requestedPieces[idx] = true
		}
	}
}

func (e *Engine) dialPeer(addr netip.AddrPort) {
	err := e.fab.Connect(addr)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.peers[addr]
	if !ok {
		return // dropped while dial was in flight
	}
	p.dialing = false
	if err != nil {
		e.log.Warn("connect failed", "addr", addr, "error", err)
		return // left Unconnected; retried on the next tick
	}
	p.phase = waitingHandshake
}

func (e *Engine) dispatchRequests(p *peer, idx int) {
	pieceLen := e.store.PieceLength(idx)
	n := selector.BlocksPerPiece(pieceLen)

	for b := 0; b < n; b++ {
		begin, length := selector.BlockBounds(pieceLen, b)
		e.fab.Send(p.addr, wire.MessageRequest(uint32(idx), uint32(begin), uint32(length)))
		p.outstanding[blockKey{piece: idx, begin: begin}] = struct{}{}
	}
}

func (e *Engine) handleInbound(in fabric.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.peers[in.Addr]
	if !ok {
		return
	}

	if in.Err != nil {
		e.closePeerLocked(p, in.Err)
		return
	}
	if in.Handshake != nil {
		e.handleHandshakeLocked(p, in.Handshake.Handshake)
		return
	}
	if in.Message != nil {
		e.handleMessageLocked(p, in.Message)
	}
}

func (e *Engine) handleHandshakeLocked(p *peer, hs wire.Handshake) {
	if hs.InfoHash != e.infoHash {
		e.closePeerLocked(p, errors.New("info hash mismatch"))
		return
	}
	if p.phase != waitingHandshake {
		return // unexpected duplicate handshake, ignore
	}

	// Passive side: reply with our own handshake, then our bitfield if we
	// hold anything (spec.md §4.5.2).
	if err := e.fab.SendHandshake(p.addr, e.infoHash, e.clientID); err != nil {
		e.closePeerLocked(p, err)
		return
	}
	if e.localBitfield.Count() > 0 {
		e.fab.Send(p.addr, wire.MessageBitfield(e.localBitfield.Bytes()))
	}

	p.phase = waitingBitfield
}

// closePeerLocked marks a peer Closed, drops its fabric session, and
// frees any piece it had reserved for re-dispatch on the next selector
// run (spec.md §4.5.1's "pieces in flight become eligible for
// re-dispatch").
func (e *Engine) closePeerLocked(p *peer, cause error) {
	if p.phase == closed {
		return
	}
	e.log.Warn("peer closed", "addr", p.addr, "error", cause)

	for key := range p.outstanding {
		delete(e.requestedPieces, key.piece)
	}
	p.phase = closed
	e.fab.Drop(p.addr)
	delete(e.peers, p.addr)
}
