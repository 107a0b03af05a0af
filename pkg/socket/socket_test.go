package socket

import (
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkrelay/inkrelay/internal/config"
	"github.com/inkrelay/inkrelay/pkg/protocol"
	"github.com/inkrelay/inkrelay/pkg/relay"
)

// startRelay spins up a real relay and returns its host:port address, the
// form a user would type in.
func startRelay(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.MaxRoomID = 9999
	ts := httptest.NewServer(relay.NewServer(cfg).Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func waitResult(t *testing.T, results <-chan ConnectResult) ConnectResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no connect result within 5s")
		return ConnectResult{}
	}
}

func connect(t *testing.T, sys *System, address string) *Socket {
	t.Helper()
	token, results := sys.Connect(address)
	res := waitResult(t, results)
	if res.Err != nil {
		t.Fatalf("connect failed: %v", res.Err)
	}
	if res.Token != token {
		t.Fatalf("result token %d does not match connect token %d", res.Token, token)
	}
	t.Cleanup(res.Socket.Close)
	return res.Socket
}

func recvFrom(t *testing.T, sock *Socket) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-sock.Recv():
		if !ok {
			t.Fatal("receive channel closed")
		}
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet within 5s")
		return protocol.Packet{}
	}
}

func TestConnect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		sys := NewSystem()
		sock := connect(t, sys, startRelay(t))
		if sock.Token() == 0 {
			t.Error("token was never assigned")
		}
	})

	t.Run("tokens are never reused", func(t *testing.T) {
		sys := NewSystem()
		addr := startRelay(t)
		a := connect(t, sys, addr)
		b := connect(t, sys, addr)
		if a.Token() == b.Token() {
			t.Errorf("both sockets got token %d", a.Token())
		}
	})

	t.Run("unreachable relay", func(t *testing.T) {
		sys := NewSystem()
		_, results := sys.Connect("127.0.0.1:1")
		if res := waitResult(t, results); res.Err == nil {
			t.Fatal("expected a dial error")
		}
	})

	t.Run("invalid address", func(t *testing.T) {
		sys := NewSystem()
		_, results := sys.Connect("host with spaces")
		if res := waitResult(t, results); res.Err == nil {
			t.Fatal("expected an address error")
		}
	})
}

func TestResolveAddress(t *testing.T) {
	sys := NewSystem()
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "ws://example.com:62137"},
		{"example.com:7000", "ws://example.com:7000"},
		{"ws://example.com", "ws://example.com:62137"},
		{"ws://example.com:7000/path", "ws://example.com:7000/path"},
		{"127.0.0.1", "ws://127.0.0.1:62137"},
	}
	for _, tt := range tests {
		got, err := sys.resolveAddress(tt.in)
		if err != nil {
			t.Errorf("resolveAddress(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeRelay upgrades the connection and sends a scripted version frame.
func fakeRelay(t *testing.T, frame []byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, frame)
		conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestVersionHandshake(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"older relay", binary.LittleEndian.AppendUint32(nil, protocol.ProtocolVersion-1), ErrRelayTooOld},
		{"newer relay", binary.LittleEndian.AppendUint32(nil, protocol.ProtocolVersion+1), ErrRelayTooNew},
		{"truncated frame", []byte{1, 0}, ErrMalformedVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := NewSystem()
			_, results := sys.Connect(fakeRelay(t, tt.frame))
			res := waitResult(t, results)
			if !errors.Is(res.Err, tt.want) {
				t.Fatalf("got %v, want %v", res.Err, tt.want)
			}
		})
	}
}

func TestSendRecv(t *testing.T) {
	sys := NewSystem()
	sock := connect(t, sys, startRelay(t))

	if err := sock.Send(protocol.Host()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := recvFrom(t, sock)
	if p.Tag != protocol.TagRoomID {
		t.Fatalf("expected RoomID, got %+v", p)
	}
}

func TestSendOversized(t *testing.T) {
	sys := NewSystem()
	sock := connect(t, sys, startRelay(t))

	err := sock.Send(protocol.Relay(nil, make([]byte, protocol.MaxPacketSize+1)))
	if !errors.Is(err, protocol.ErrPacketTooBig) {
		t.Fatalf("got %v, want ErrPacketTooBig", err)
	}
}

func TestCloseFlushesQueuedPackets(t *testing.T) {
	addr := startRelay(t)
	sys := NewSystem()

	host := connect(t, sys, addr)
	host.Send(protocol.Host())
	roomID := recvFrom(t, host).RoomID
	host.Send(protocol.RequestRelay(nil))
	hostAddr := recvFrom(t, host).Peer

	client := connect(t, sys, addr)
	client.Send(protocol.GetHost(roomID))
	if p := recvFrom(t, client); p.Tag != protocol.TagHostAddress {
		t.Fatalf("expected HostAddress, got %+v", p)
	}
	if p := recvFrom(t, host); p.Tag != protocol.TagClientAddress {
		t.Fatalf("expected ClientAddress, got %+v", p)
	}
	client.Send(protocol.RequestRelay(&hostAddr))
	ack := recvFrom(t, client)
	if ack.Tag != protocol.TagRelayed {
		t.Fatalf("expected Relayed ack, got %+v", ack)
	}
	clientAddr := ack.Peer

	// Queue a packet and close immediately; Close must not return before
	// the packet is on the wire.
	client.Send(protocol.Relay(nil, []byte("last stroke")))
	client.Close()

	p := recvFrom(t, host)
	if p.Tag != protocol.TagRelayed || p.Peer != clientAddr || string(p.Data) != "last stroke" {
		t.Fatalf("host got %+v, want the flushed stroke", p)
	}
	p = recvFrom(t, host)
	if p.Tag != protocol.TagDisconnected || p.Peer != clientAddr {
		t.Fatalf("host got %+v, want Disconnected(%s)", p, clientAddr)
	}
}

func TestOversizedFrameFromRelayDisconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage,
			binary.LittleEndian.AppendUint32(nil, protocol.ProtocolVersion))
		conn.WriteMessage(websocket.BinaryMessage, make([]byte, protocol.MaxPacketSize+1))
		conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	sys := NewSystem()
	sock := connect(t, sys, strings.TrimPrefix(ts.URL, "http://"))

	// The read limit must abort the frame instead of buffering it whole;
	// either way the socket ends up disconnected.
	select {
	case _, ok := <-sock.Recv():
		if ok {
			t.Fatal("an oversized frame was delivered as a packet")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive channel never closed")
	}
}

func TestRecvClosesOnDisconnect(t *testing.T) {
	sys := NewSystem()
	sock := connect(t, sys, startRelay(t))

	// A protocol violation makes the relay drop us.
	sock.Send(protocol.RoomID(42))

	select {
	case _, ok := <-sock.Recv():
		if ok {
			t.Fatal("expected the receive channel to close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive channel never closed")
	}
}
