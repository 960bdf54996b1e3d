package wsmux

import (
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestTunnelClaimLiveness(t *testing.T) {
	srv, wsURL, _ := newTestListener(t, "")
	defer srv.Close()
	ws := dialTestTunnel(t, wsURL)

	for i := 0; i < 2; i++ {
		if err := ws.WriteMessage(websocket.TextMessage, []byte("CLAIM:42|abc")); err != nil {
			t.Fatal(err)
		}
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read CLAIM_ACK: %s", err)
		}
		if string(data) != "CLAIM_ACK:42|abc" {
			t.Fatalf("got %q, want CLAIM_ACK:42|abc", data)
		}
	}
}

func TestTunnelCloseUnknownCIDIsNoop(t *testing.T) {
	srv, wsURL, _ := newTestListener(t, "")
	defer srv.Close()
	ws := dialTestTunnel(t, wsURL)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("CLOSE:never-opened")); err != nil {
		t.Fatal(err)
	}

	// The tunnel must still be alive and responsive afterward.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("CLAIM:1|2")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read CLAIM_ACK after unknown close: %s", err)
	}
	if string(data) != "CLAIM_ACK:1|2" {
		t.Fatalf("got %q", data)
	}
}

func TestTunnelDataDroppedForUnknownCID(t *testing.T) {
	srv, wsURL, _ := newTestListener(t, "")
	defer srv.Close()
	ws := dialTestTunnel(t, wsURL)

	payload := append([]byte("DATA:never-opened|"), []byte("x")...)
	if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte("CLAIM:1|2")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read CLAIM_ACK after orphan DATA: %s", err)
	}
	if string(data) != "CLAIM_ACK:1|2" {
		t.Fatalf("got %q", data)
	}
}

func TestTunnelTeardownClosesOutboundStream(t *testing.T) {
	srv, wsURL, _ := newTestListener(t, "")
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ws := dialTestTunnel(t, wsURL)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("TCP:c1|"+ln.Addr().String())); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := ws.ReadMessage(); err != nil || string(data) != "CONNECTED:c1" {
		t.Fatalf("got %q err=%v, want CONNECTED:c1", data, err)
	}

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("outbound connection never accepted")
	}
	defer peer.Close()

	ws.Close()

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err == nil {
		t.Fatal("expected outbound stream to observe EOF/close after WebSocket teardown")
	}
}

func TestTunnelClaimAckFieldsAreIndependentPerCall(t *testing.T) {
	srv, wsURL, _ := newTestListener(t, "")
	defer srv.Close()
	ws := dialTestTunnel(t, wsURL)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("CLAIM:a|b")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil || string(data) != "CLAIM_ACK:a|b" {
		t.Fatalf("got %q err=%v", data, err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("CLAIM:x|y")); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err = ws.ReadMessage()
	if err != nil || string(data) != "CLAIM_ACK:x|y" {
		t.Fatalf("got %q err=%v", data, err)
	}
}
