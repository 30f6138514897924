package fabric

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/rabbitwire/rabbit/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestFabric_AcceptsInboundHandshakeAndFrame(t *testing.T) {
	port := freePort(t)
	infoHash := [sha1.Size]byte{9}
	clientID := [sha1.Size]byte{8}

	f := New(Config{
		ListenPort:   port,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		InfoHash:     infoHash,
		ClientID:     clientID,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(30 * time.Millisecond) // let the listener bind

	addr := netip.MustParseAddrPort("127.0.0.1:" + strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial fabric listener: %v", err)
	}
	defer conn.Close()

	peerHS := wire.NewHandshake(infoHash, [sha1.Size]byte{7})
	if _, err := conn.Write(peerHS.Encode()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, err := conn.Write(wire.MessageInterested().Encode()); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var gotHS, gotMsg bool
	deadline := time.After(2 * time.Second)
	for !gotHS || !gotMsg {
		select {
		case in := <-f.Inbound:
			if in.Err != nil {
				t.Fatalf("unexpected inbound error: %v", in.Err)
			}
			if in.Handshake != nil {
				if in.Handshake.Handshake.InfoHash != infoHash {
					t.Fatalf("info hash mismatch")
				}
				gotHS = true
			}
			if in.Message != nil {
				if in.Message.ID != wire.Interested {
					t.Fatalf("expected interested frame, got %v", in.Message.ID)
				}
				gotMsg = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for handshake=%v frame=%v", gotHS, gotMsg)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestFabric_SendDeliversToConnectedSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	infoHash := [sha1.Size]byte{1}
	clientID := [sha1.Size]byte{2}

	f := New(Config{
		ListenPort:   freePort(t),
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		InfoHash:     infoHash,
		ClientID:     clientID,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	target, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}
	if err := f.Connect(target); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn := <-accepted
	defer conn.Close()

	buf := make([]byte, 68)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read handshake: %v", err)
	}

	f.Send(target, wire.MessageChoke())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := make([]byte, 5)
	if _, err := io.ReadFull(conn, frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame[4] != byte(wire.Choke) {
		t.Fatalf("expected choke frame id, got %d", frame[4])
	}

	cancel()
}
