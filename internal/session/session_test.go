package session

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rabbitwire/rabbit/internal/wire"
)

func netipFromConn(t *testing.T, conn net.Conn) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		t.Fatalf("parse remote addr: %v", err)
	}
	return ap
}

func pipeAddrs(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var serverConn net.Conn
	accepted := make(chan struct{})
	go func() {
		serverConn, _ = ln.Accept()
		close(accepted)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted

	return clientConn, serverConn
}

func TestPollReceive_HandshakeThenFrame(t *testing.T) {
	client, server := pipeAddrs(t)
	defer client.Close()
	defer server.Close()

	infoHash := [20]byte{1}
	peerID := [20]byte{2}

	go func() {
		hs := wire.NewHandshake(infoHash, peerID)
		client.Write(hs.Encode())
		time.Sleep(20 * time.Millisecond)
		client.Write(wire.MessageUnchoke().Encode())
	}()

	s := newSession(server, netipFromConn(t, server), 2*time.Second)

	var gotHS *ReceivedHandshake
	for i := 0; i < 50 && gotHS == nil; i++ {
		hs, _, err := s.PollReceive()
		if err != nil {
			t.Fatalf("PollReceive: %v", err)
		}
		if hs != nil {
			gotHS = hs
		}
		time.Sleep(5 * time.Millisecond)
	}
	if gotHS == nil {
		t.Fatalf("never received handshake")
	}
	if gotHS.Handshake.InfoHash != infoHash {
		t.Fatalf("info hash mismatch")
	}

	var gotMsg *wire.Message
	for i := 0; i < 50 && gotMsg == nil; i++ {
		_, msg, err := s.PollReceive()
		if err != nil {
			t.Fatalf("PollReceive: %v", err)
		}
		if msg != nil {
			gotMsg = msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	if gotMsg == nil || gotMsg.ID != wire.Unchoke {
		t.Fatalf("expected unchoke frame, got %+v", gotMsg)
	}
}

func TestPollReceive_NoDataReturnsNil(t *testing.T) {
	client, server := pipeAddrs(t)
	defer client.Close()
	defer server.Close()

	s := newSession(server, netipFromConn(t, server), 2*time.Second)
	hs, msg, err := s.PollReceive()
	if hs != nil || msg != nil || err != nil {
		t.Fatalf("expected (nil,nil,nil) with no data, got (%v,%v,%v)", hs, msg, err)
	}
}
