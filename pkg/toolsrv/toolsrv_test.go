package toolsrv

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForConns(t *testing.T, s *Server, want int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if s.NumConns() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Server never reached %d connections (have %d)", want, s.NumConns())
}

func TestBroadcastToAllClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.sock")
	s, err := Listen(path, 5, func(byte, []byte) {})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	c1, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Cannot connect first client: %v", err)
	}
	defer c1.Close()
	c2, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Cannot connect second client: %v", err)
	}
	defer c2.Close()
	waitForConns(t, s, 2)

	s.Broadcast([]byte{0xAA, 0xBB, 0xCC})

	want := []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}
	for i, c := range []net.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		got := make([]byte, len(want))
		if _, err := io.ReadFull(c, got); err != nil {
			t.Fatalf("Client %d read failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Client %d got % x, want % x", i, got, want)
		}
	}
}

func TestDeliverReassemblesEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.sock")
	type msg struct {
		dlci    byte
		payload []byte
	}
	msgs := make(chan msg, 1)
	s, err := Listen(path, 9, func(dlci byte, payload []byte) {
		msgs <- msg{dlci: dlci, payload: payload}
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Cannot connect client: %v", err)
	}
	defer c.Close()

	// split the envelope across two writes to exercise reassembly
	if _, err := c.Write([]byte{0x00, 0x03, 0xAA}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Write([]byte{0xBB, 0xCC}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case m := <-msgs:
		if m.dlci != 9 {
			t.Errorf("Got DLCI %d, want 9", m.dlci)
		}
		if !bytes.Equal(m.payload, []byte{0xAA, 0xBB, 0xCC}) {
			t.Errorf("Got payload % x, want AA BB CC", m.payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("Message never delivered")
	}
}

func TestClientDisconnectReapsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.sock")
	s, err := Listen(path, 5, func(byte, []byte) {})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer s.Close()

	c1, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Cannot connect first client: %v", err)
	}
	c2, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Cannot connect second client: %v", err)
	}
	defer c2.Close()
	waitForConns(t, s, 2)

	c1.Close()
	waitForConns(t, s, 1)

	// the remaining session still receives broadcasts
	s.Broadcast([]byte{0x01})
	c2.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, 3)
	if _, err := io.ReadFull(c2, got); err != nil {
		t.Fatalf("Surviving client read failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x01, 0x01}) {
		t.Errorf("Surviving client got % x, want 00 01 01", got)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool.sock")
	if err := os.WriteFile(path, []byte("stale"), 0644); err != nil {
		t.Fatalf("Cannot create stale socket file: %v", err)
	}

	s, err := Listen(path, 5, func(byte, []byte) {})
	if err != nil {
		t.Fatalf("Listen over a stale socket failed: %v", err)
	}
	s.Close()
}
