// Package session implements the Peer Session (C2): one TCP connection
// to one peer, with non-blocking receive via short read deadlines and
// partial-frame buffering fed to the C1 wire codec. Grounded on the
// teacher's internal/peer/peer.go connection setup and read/write loop
// structure, replaced at the core with spec.md §4.2's poll-based
// dial/from_accepted/send/poll_receive contract (the teacher instead
// runs one blocking-read goroutine per peer; this session exposes a
// non-blocking poll so a single Fabric reader task can drive many
// sessions, per §4.3).
package session

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rabbitwire/rabbit/internal/wire"
)

// ErrConnectFailed wraps any dial-time failure.
var ErrConnectFailed = errors.New("session: connect failed")

// pollReadSize is how many bytes we attempt to read per poll when the
// buffer holds no complete message yet.
const pollReadSize = 64 * 1024

// Session wraps one TCP connection to one peer.
type Session struct {
	conn net.Conn
	addr netip.AddrPort

	writeTimeout time.Duration

	buf           []byte
	handshakeDone bool

	Stats Stats
}

// Stats tracks simple byte/frame counters, mirroring the teacher's
// PeerStats in spirit but without its EMA rate smoothing, which has no
// consumer once the choke policy is unconditional unchoke-on-interest.
// Fabric.TotalStats sums these across every live session for the
// -i/--info CLI flag.
type Stats struct {
	BytesRead    uint64
	BytesWritten uint64
	FramesRead   uint64
	FramesWritten uint64
}

// Dial opens a TCP connection to addr, completes the active side of the
// handshake (we send first, per spec.md §4.5.2), and returns a ready
// Session. The returned Session has NOT yet read the peer's handshake
// reply; the caller drives that via PollReceive.
func Dial(addr netip.AddrPort, infoHash, peerID [sha1.Size]byte, dialTimeout, writeTimeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	s := newSession(conn, addr, writeTimeout)

	hs := wire.NewHandshake(infoHash, peerID)
	if err := s.writeRaw(hs.Encode()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake write: %v", ErrConnectFailed, err)
	}

	return s, nil
}

// FromAccepted wraps an inbound connection accepted by the Fabric's
// Listener. The passive side waits for the peer's handshake before
// replying (see spec.md §4.5.2), so no handshake is sent here.
func FromAccepted(conn net.Conn, writeTimeout time.Duration) (*Session, error) {
	addr, ok := netip.AddrFromSlice(conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok {
		_ = conn.Close()
		return nil, errors.New("session: could not parse remote addr")
	}
	port := uint16(conn.RemoteAddr().(*net.TCPAddr).Port)
	ap := netip.AddrPortFrom(addr, port)

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return newSession(conn, ap, writeTimeout), nil
}

func newSession(conn net.Conn, addr netip.AddrPort, writeTimeout time.Duration) *Session {
	return &Session{
		conn:         conn,
		addr:         addr,
		writeTimeout: writeTimeout,
	}
}

// Addr returns the peer endpoint this session talks to.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// Close tears down the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// SendHandshake writes our own handshake reply, used by the passive side
// after verifying the peer's incoming handshake matches our info_hash.
func (s *Session) SendHandshake(infoHash, peerID [sha1.Size]byte) error {
	hs := wire.NewHandshake(infoHash, peerID)
	return s.writeRaw(hs.Encode())
}

// Send encodes and writes frame in full, or returns an error. Per
// spec.md §4.2, partial writes are a failure indicator the caller (the
// Fabric / engine) should treat as signaling a broken peer.
func (s *Session) Send(msg *wire.Message) error {
	s.Stats.FramesWritten++
	return s.writeRaw(msg.Encode())
}

func (s *Session) writeRaw(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	n, err := s.conn.Write(b)
	s.Stats.BytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if n != len(b) {
		return fmt.Errorf("session: partial write: wrote %d of %d", n, len(b))
	}
	return nil
}

// ReceivedHandshake is returned by PollReceive when a complete handshake
// has been parsed from the stream.
type ReceivedHandshake struct {
	Handshake wire.Handshake
}

// PollReceive reads the socket with a one-millisecond read deadline
// (emulating a non-blocking socket read) and, together with any
// previously-buffered bytes, asks the wire codec for at most one complete
// message. It waits at most that millisecond: if no bytes arrive it
// returns (nil, nil, nil).
//
// The return is (handshake, message, error); exactly one of handshake or
// message is non-nil on a successful parse, matching spec.md §4.2's rule
// of distinguishing the first message (possibly a Handshake) from
// subsequent PWP frames by peeking the well-known handshake prefix.
func (s *Session) PollReceive() (*ReceivedHandshake, *wire.Message, error) {
	if err := s.fillBuffer(); err != nil {
		return nil, nil, err
	}

	if len(s.buf) == 0 {
		return nil, nil, nil
	}

	if !s.handshakeDone {
		if !wire.LooksLikeHandshake(s.buf) {
			return nil, nil, fmt.Errorf("session: expected handshake, got other frame")
		}

		hs, n, err := wire.TryParseHandshake(s.buf)
		if err == wire.ErrIncomplete {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("session: handshake: %w", err)
		}

		s.consume(n)
		s.handshakeDone = true
		s.Stats.FramesRead++
		return &ReceivedHandshake{Handshake: hs}, nil, nil
	}

	msg, n, err := wire.TryParseFrame(s.buf)
	if err == wire.ErrIncomplete {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session: frame: %w", err)
	}

	s.consume(n)
	s.Stats.FramesRead++
	return nil, msg, nil
}

// fillBuffer performs one non-blocking-style read attempt, appending any
// bytes received to the internal buffer. A deadline one millisecond out
// makes Read return a timeout error rather than block when nothing is
// ready; a deadline of time.Now() would already be expired when Read
// starts, and Read would then time out without reading buffered bytes.
func (s *Session) fillBuffer() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer s.conn.SetReadDeadline(time.Time{})

	chunk := make([]byte, pollReadSize)
	n, err := s.conn.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
		s.Stats.BytesRead += uint64(n)
	}

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("session: read: %w", err)
	}
	return nil
}

func (s *Session) consume(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}
