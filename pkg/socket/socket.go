// Package socket is the client-side connection abstraction drawing clients
// use to talk to a relay. A System dials relays in the background and hands
// out Socket handles; each Socket runs its own receive loop and send loop,
// so a slow or broken relay connection never blocks the caller.
package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/inkrelay/inkrelay/pkg/protocol"
	"github.com/inkrelay/inkrelay/pkg/txqueue"
)

// ConnectionToken identifies one connection attempt for its whole lifetime.
// Tokens come from a process-wide counter and are never reused, so a result
// arriving for an old, abandoned attempt can always be told apart from the
// current one.
type ConnectionToken uint64

var nextToken atomic.Uint64

// Version handshake errors. The relay announces its protocol version in the
// first frame after the upgrade; a mismatch in either direction is fatal for
// the connection.
var (
	ErrRelayTooOld      = errors.New("this relay is too old; connect to an up-to-date relay")
	ErrRelayTooNew      = errors.New("this relay is too new; update your client")
	ErrMalformedVersion = errors.New("malformed version frame")
)

// ConnectResult is delivered exactly once on the channel returned by
// System.Connect. Either Socket or Err is set, never both.
type ConnectResult struct {
	Token  ConnectionToken
	Socket *Socket
	Err    error
}

// System dials relays and tracks the sockets it produced so they can be
// torn down together on shutdown.
type System struct {
	mu    sync.Mutex
	slots map[ConnectionToken]*Socket

	dialer      *websocket.Dialer
	defaultPort uint16
}

func NewSystem() *System {
	return &System{
		slots: make(map[ConnectionToken]*Socket),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		defaultPort: protocol.DefaultPort,
	}
}

// Connect resolves the address and dials in the background. The returned
// channel delivers exactly one ConnectResult carrying the same token, an
// open Socket on success or the reason the attempt failed.
func (s *System) Connect(address string) (ConnectionToken, <-chan ConnectResult) {
	token := ConnectionToken(nextToken.Add(1))
	result := make(chan ConnectResult, 1)

	go func() {
		sock, err := s.dial(token, address)
		if err != nil {
			result <- ConnectResult{Token: token, Err: err}
			return
		}
		s.mu.Lock()
		s.slots[token] = sock
		s.mu.Unlock()
		result <- ConnectResult{Token: token, Socket: sock}
	}()

	return token, result
}

// Wait closes every socket the system still tracks and blocks until all of
// their send loops have flushed and exited.
func (s *System) Wait() {
	s.mu.Lock()
	socks := make([]*Socket, 0, len(s.slots))
	for _, sock := range s.slots {
		socks = append(socks, sock)
	}
	s.mu.Unlock()

	for _, sock := range socks {
		sock.Close()
	}
}

func (s *System) forget(token ConnectionToken) {
	s.mu.Lock()
	delete(s.slots, token)
	s.mu.Unlock()
}

// resolveAddress turns a user-entered relay address into a dialable URL,
// prepending the ws scheme and the default port when they are missing.
func (s *System) resolveAddress(address string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(int(s.defaultPort)))
	}
	return u.String(), nil
}

func (s *System) dial(token ConnectionToken, address string) (*Socket, error) {
	resolved, err := s.resolveAddress(address)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", address, err)
	}

	conn, _, err := s.dialer.Dial(resolved, nil)
	if err != nil {
		return nil, fmt.Errorf("could not reach relay at %s: %w", resolved, err)
	}
	conn.SetReadLimit(protocol.MaxPacketSize)
	if err := checkVersion(conn); err != nil {
		conn.Close()
		return nil, err
	}

	sock := &Socket{
		token:    token,
		system:   s,
		conn:     conn,
		queue:    txqueue.New(),
		recv:     make(chan protocol.Packet, 16),
		sendDone: make(chan struct{}),
	}
	go sock.receiveLoop()
	go sock.sendLoop()
	return sock, nil
}

// checkVersion reads the 4-byte little-endian version frame the relay sends
// right after the upgrade and compares it against our protocol version.
func checkVersion(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading version frame: %w", err)
	}
	if msgType != websocket.BinaryMessage || len(data) != 4 {
		return ErrMalformedVersion
	}

	version := binary.LittleEndian.Uint32(data)
	switch {
	case version < protocol.ProtocolVersion:
		return ErrRelayTooOld
	case version > protocol.ProtocolVersion:
		return ErrRelayTooNew
	}
	return nil
}

// Socket is a unique handle to one relay connection. Handles are not safe
// to use after Close returns.
type Socket struct {
	token  ConnectionToken
	system *System
	conn   *websocket.Conn

	queue     *txqueue.Queue
	recv      chan protocol.Packet
	sendDone  chan struct{}
	closeOnce sync.Once
}

// Token returns the connection token this socket was dialed under.
func (s *Socket) Token() ConnectionToken {
	return s.token
}

// Send encodes the packet and enqueues it for the send loop; delivery is
// fire-and-forget. The only error is a packet too big for the wire.
func (s *Socket) Send(p protocol.Packet) error {
	buf, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	s.queue.Push(buf)
	return nil
}

// Recv returns the channel incoming packets arrive on. It is closed when
// the relay ends the connection or Close is called. Callers must keep
// draining it for the lifetime of the socket.
func (s *Socket) Recv() <-chan protocol.Packet {
	return s.recv
}

// Close is the required teardown call: it lets the send loop flush every
// queued packet, write the websocket close frame and exit, and only then
// returns. Skipping it risks the process ending before the relay ever sees
// the connection close, leaving the room to time out instead.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()
		<-s.sendDone
		s.system.forget(s.token)
	})
}

// sendLoop drains the queue onto the wire. Once the queue is closed and
// empty it writes the close frame, which is what tells the relay this peer
// is leaving on purpose.
func (s *Socket) sendLoop() {
	defer close(s.sendDone)
	for {
		frame, ok := s.queue.Pop()
		if !ok {
			break
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.queue.Close()
			s.conn.Close()
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}

// receiveLoop decodes incoming frames onto the recv channel until the
// connection ends, then closes the channel so readers observe the
// disconnect.
func (s *Socket) receiveLoop() {
	defer close(s.recv)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.queue.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Infof("got non-binary message from relay, ignored")
			continue
		}
		if len(data) > protocol.MaxPacketSize {
			log.Errorf("oversized packet (%d bytes) from relay, closing connection", len(data))
			s.queue.Close()
			s.conn.Close()
			return
		}
		packet, err := protocol.Decode(data)
		if err != nil {
			log.Errorf("undecodable packet from relay: %v", err)
			s.queue.Close()
			s.conn.Close()
			return
		}
		s.recv <- packet
	}
}
