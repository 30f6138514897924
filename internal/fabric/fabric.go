// Package fabric implements the Connection Fabric (C3): the set of live
// Peer Sessions, an inbound Listener, and the Reader/Writer tasks that
// multiplex wire traffic to and from the Session Engine via two
// channels. Grounded on the teacher's internal/peer/swarm.go (map of
// live peers behind a mutex, connect/accept plumbing), replaced at the
// core with spec.md §4.3's poll-driven Reader loop paced by the Adaptive
// Waiter (C6) instead of the teacher's per-peer blocking-read goroutines.
package fabric

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rabbitwire/rabbit/internal/session"
	"github.com/rabbitwire/rabbit/internal/waiter"
	"github.com/rabbitwire/rabbit/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Inbound is one received item: either a parsed handshake or a regular
// frame, tagged with the endpoint it arrived from.
type Inbound struct {
	Addr      netip.AddrPort
	Handshake *session.ReceivedHandshake
	Message   *wire.Message
	Err       error // session-level failure; the engine should drop Addr
}

// Outbound is a frame the engine wants written to a specific session.
type Outbound struct {
	Addr    netip.AddrPort
	Message *wire.Message
}

// Config tunes the fabric's timing.
type Config struct {
	ListenPort        uint16
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReaderYieldRounds int
	ReaderIdleSleep   time.Duration
	InfoHash          [sha1.Size]byte
	ClientID          [sha1.Size]byte
}

// Fabric owns every live Session and the goroutines that move bytes
// between them and the engine.
type Fabric struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[netip.AddrPort]*session.Session

	listener net.Listener

	Inbound  chan Inbound
	outbound chan Outbound
}

// New constructs a Fabric. Call Run to start its Listener/Reader/Writer
// tasks; it returns once ctx is cancelled or the listener fails.
func New(cfg Config, log *slog.Logger) *Fabric {
	return &Fabric{
		cfg:      cfg,
		log:      log.With("component", "fabric"),
		sessions: make(map[netip.AddrPort]*session.Session),
		Inbound:  make(chan Inbound, 256),
		outbound: make(chan Outbound, 256),
	}
}

// Connect dials endpoint and registers the resulting Session. The active
// side sends its handshake as part of Dial; the reply is observed later
// via the Reader task and delivered on Inbound.
func (f *Fabric) Connect(addr netip.AddrPort) error {
	sess, err := session.Dial(addr, f.cfg.InfoHash, f.cfg.ClientID, f.cfg.DialTimeout, f.cfg.WriteTimeout)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sessions[addr] = sess
	f.mu.Unlock()

	return nil
}

// Send enqueues a frame for Addr on the outbound channel; the Writer task
// dispatches it to the matching Session.
func (f *Fabric) Send(addr netip.AddrPort, msg *wire.Message) {
	select {
	case f.outbound <- Outbound{Addr: addr, Message: msg}:
	default:
		f.log.Warn("outbound channel full, dropping frame", "addr", addr)
	}
}

// SendHandshake writes our handshake reply directly on addr's session,
// bypassing the outbound channel since a handshake is sent at most once
// per connection and must precede any regular frame.
func (f *Fabric) SendHandshake(addr netip.AddrPort, infoHash, clientID [sha1.Size]byte) error {
	f.mu.Lock()
	sess, ok := f.sessions[addr]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("fabric: no session for %v", addr)
	}
	return sess.SendHandshake(infoHash, clientID)
}

// TotalStats sums the byte/frame counters of every currently live session,
// for the -i/--info CLI flag's swarm-wide throughput summary.
func (f *Fabric) TotalStats() session.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total session.Stats
	for _, sess := range f.sessions {
		total.BytesRead += sess.Stats.BytesRead
		total.BytesWritten += sess.Stats.BytesWritten
		total.FramesRead += sess.Stats.FramesRead
		total.FramesWritten += sess.Stats.FramesWritten
	}
	return total
}

// Drop closes and removes a session, e.g. after the engine marks a peer
// Closed.
func (f *Fabric) Drop(addr netip.AddrPort) {
	f.mu.Lock()
	sess, ok := f.sessions[addr]
	delete(f.sessions, addr)
	f.mu.Unlock()

	if ok {
		_ = sess.Close()
	}
}

// Run starts the Listener, Reader, and Writer tasks and blocks until ctx
// is cancelled or one of them returns an error.
func (f *Fabric) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", f.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("fabric: listen: %w", err)
	}
	f.listener = ln

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.acceptLoop(gctx) })
	g.Go(func() error { return f.readerLoop(gctx) })
	g.Go(func() error { return f.writerLoop(gctx) })

	go func() {
		<-gctx.Done()
		_ = ln.Close()
	}()

	return g.Wait()
}

func (f *Fabric) acceptLoop(ctx context.Context) error {
	l := f.log.With("task", "listener")
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.Warn("accept failed", "error", err)
			continue
		}

		sess, err := session.FromAccepted(conn, f.cfg.WriteTimeout)
		if err != nil {
			l.Warn("accept setup failed", "error", err)
			continue
		}

		f.mu.Lock()
		f.sessions[sess.Addr()] = sess
		f.mu.Unlock()

		l.Info("accepted inbound connection", "addr", sess.Addr())
	}
}

// readerLoop periodically walks the session map, draining at most one
// message per session per round via poll_receive, and uses the Adaptive
// Waiter between rounds so idle periods don't spin the CPU while active
// traffic is drained immediately.
func (f *Fabric) readerLoop(ctx context.Context) error {
	w := waiter.New(32, 2*time.Millisecond)
	if f.cfg.ReaderYieldRounds > 0 {
		w = waiter.New(f.cfg.ReaderYieldRounds, f.cfg.ReaderIdleSleep)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		drained := f.drainRound()

		if drained {
			w.Reset()
		} else {
			w.Wait()
		}
	}
}

// drainRound polls every live session once and reports whether at least
// one message was read. The map is snapshotted under lock and released
// before any poll_receive call, per spec.md §4.3.
func (f *Fabric) drainRound() bool {
	f.mu.Lock()
	snapshot := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		snapshot = append(snapshot, s)
	}
	f.mu.Unlock()

	drained := false

	for _, sess := range snapshot {
		hs, msg, err := sess.PollReceive()
		if err != nil {
			f.Inbound <- Inbound{Addr: sess.Addr(), Err: err}
			drained = true
			continue
		}
		if hs == nil && msg == nil {
			continue
		}

		f.Inbound <- Inbound{Addr: sess.Addr(), Handshake: hs, Message: msg}
		drained = true
	}

	return drained
}

func (f *Fabric) writerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case out, ok := <-f.outbound:
			if !ok {
				return nil
			}

			f.mu.Lock()
			sess, ok := f.sessions[out.Addr]
			f.mu.Unlock()
			if !ok {
				continue
			}

			if err := sess.Send(out.Message); err != nil {
				f.log.Warn("write failed", "addr", out.Addr, "error", err)
				f.Inbound <- Inbound{Addr: out.Addr, Err: err}
			}
		}
	}
}
