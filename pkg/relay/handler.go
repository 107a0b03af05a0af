package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/inkrelay/inkrelay/pkg/protocol"
)

// Connection lifecycle, tracked for logging. A connection is Connecting
// until the version frame is on the wire, Open while packets flow, and
// Closing once a close frame or error ends the receive loop.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// handleConnection runs the receive loop for one peer. Errors here only
// ever terminate this connection; the process and the other peers are
// never affected.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	// Abort oversized frames at the transport instead of buffering them
	// whole; a malicious peer must not grow server memory unboundedly.
	conn.SetReadLimit(protocol.MaxPacketSize)

	peer, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		log.Errorf("unparseable peer address %q: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	state := stateConnecting
	log.Infof("* mornin' mr. %s", peer)

	// The version frame precedes any packet. The send loop is not running
	// yet, so writing directly is safe.
	versionFrame := binary.LittleEndian.AppendUint32(nil, protocol.ProtocolVersion)
	if err := conn.WriteMessage(websocket.BinaryMessage, versionFrame); err != nil {
		log.Errorf("failed to send version frame to %s: %v", peer, err)
		conn.Close()
		return
	}

	dest := NewDestination(peer)
	s.trackConn(peer, conn)
	go s.sendLoop(conn, dest)

	state = stateOpen
	for state == stateOpen {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infof("* bye bye mr. %s it was nice to see ya", peer)
			} else if s.debug {
				log.Debugf("read from %s ended: %v", peer, err)
			}
			state = stateClosing
			continue
		}
		if msgType != websocket.BinaryMessage {
			log.Infof("Got ignored message from %s", peer)
			continue
		}
		if len(data) > protocol.MaxPacketSize {
			log.Errorf("! oversized packet (%d bytes) from %s, closing connection", len(data), peer)
			state = stateClosing
			continue
		}
		packet, err := protocol.Decode(data)
		if err != nil {
			log.Errorf("! undecodable packet from %s: %v", peer, err)
			state = stateClosing
			continue
		}
		if err := s.incomingPacket(peer, dest, packet); err != nil {
			log.Errorf("! error/invalid packet from %s: %v", peer, err)
			state = stateClosing
		}
	}

	s.untrackConn(peer)
	s.disconnect(peer)
	dest.Close()
	state = stateClosed
	if s.debug {
		log.Debugf("connection %s now %s", peer, state)
	}
}

// sendLoop drains the destination's queue onto the wire. A transport error
// stops it silently; one peer's broken pipe must not ripple anywhere else.
func (s *Server) sendLoop(conn *websocket.Conn, dest *Destination) {
	for {
		frame, ok := dest.queue.Pop()
		if !ok {
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			dest.Close()
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

// disconnect cleans up registry state for a departed peer and notifies
// the remaining members of its room.
func (s *Server) disconnect(peer netip.AddrPort) {
	notify := func(members []*Destination) {
		packet := protocol.Disconnected(peer)
		for _, m := range members {
			if err := m.Send(packet); err != nil {
				log.Errorf("failed to notify %s of disconnect: %v", m.Addr(), err)
			}
		}
	}

	if members, ok := s.registry.RemoveHost(peer); ok {
		log.Infof("- host %s left, closing its room", peer)
		notify(members)
	}
	if members, ok := s.registry.RemoveRelayClient(peer); ok {
		notify(members)
	}
}

// incomingPacket dispatches one decoded packet. A returned error is a
// protocol violation and terminates the connection; application-level
// failures are reported back to the peer as Error packets instead.
func (s *Server) incomingPacket(peer netip.AddrPort, dest *Destination, packet protocol.Packet) error {
	if packet.Tag != protocol.TagRelay {
		log.Infof("- incoming packet from %s: tag 0x%02x", peer, packet.Tag)
	}

	switch packet.Tag {
	case protocol.TagHost:
		return s.host(dest)
	case protocol.TagGetHost:
		return s.join(dest, packet.RoomID)
	case protocol.TagRequestRelay:
		return s.addRelay(dest, packet.Addr)
	case protocol.TagRelay:
		return s.relay(peer, dest, packet.Addr, packet.Data)
	case protocol.TagKick:
		return s.kick(dest, packet.Text, packet.Peer)
	default:
		// Server-to-client packets arriving at the server are a
		// protocol violation, not an application error.
		return fmt.Errorf("out-of-context packet tag 0x%02x", packet.Tag)
	}
}

func (s *Server) host(dest *Destination) error {
	id, err := s.registry.AllocateRoom(dest)
	if err != nil {
		return s.sendError(dest, "Could not find any more free rooms. Try again")
	}
	log.Infof("- %s now hosts room %04d", dest.Addr(), id)
	return dest.Send(protocol.RoomID(id))
}

func (s *Server) join(dest *Destination, roomID uint32) error {
	host, ok := s.registry.LookupRoom(roomID)
	if !ok {
		return s.sendError(dest, s.missingRoomMessage(roomID))
	}
	if err := host.Send(protocol.ClientAddress(dest.Addr())); err != nil {
		return err
	}
	return dest.Send(protocol.HostAddress(host.Addr()))
}

// missingRoomMessage distinguishes a room that does not exist anywhere
// from one reserved by another pod, which this relay cannot reach.
func (s *Server) missingRoomMessage(id uint32) string {
	if s.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if room, err := s.redisClient.GetRoom(ctx, id); err == nil {
			log.Infof("room %04d is reserved by pod %s", id, room.PodID)
			return "This room is hosted on another relay server. Connect to that relay instead"
		}
	}
	return "No room found with the given ID. Check whether you spelled the ID correctly"
}

func (s *Server) addRelay(dest *Destination, hostAddr *netip.AddrPort) error {
	peer := dest.Addr()
	log.Infof("- relay requested from %s", peer)

	// Absent host address means the requester hosts the room itself.
	target := peer
	if hostAddr != nil {
		target = *hostAddr
	}
	if err := s.registry.RegisterRelayClient(target, dest); err != nil {
		return s.sendError(dest, "The host seems to have disconnected")
	}

	// Notify the requester that the relay is now ready.
	return dest.Send(protocol.Relayed(peer, nil))
}

func (s *Server) relay(peer netip.AddrPort, dest *Destination, to *netip.AddrPort, data []byte) error {
	if s.debug {
		log.Debugf("relaying packet (size: %.1f KiB)", float64(len(data))/1024.0)
	}
	sent, err := s.registry.Relay(peer, data, to)
	switch err {
	case nil:
		if s.debug {
			log.Debugf("- relayed from %s to %d clients", peer, sent)
		}
		return nil
	case ErrNotARelayClient:
		return s.sendError(dest, "Only relay clients may send Relay packets")
	case ErrHostGone:
		return s.sendError(dest, "The host seems to have disconnected")
	default:
		return err
	}
}

// kick force-closes the target's connection, which runs the ordinary
// disconnect cleanup. Guarded by the bcrypt hash from the admin config.
func (s *Server) kick(dest *Destination, password string, target netip.AddrPort) error {
	if s.kickHash == "" {
		return s.sendError(dest, "Administrative kick is not enabled on this relay")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.kickHash), []byte(password)); err != nil {
		log.Warnf("failed kick attempt from %s against %s", dest.Addr(), target)
		return s.sendError(dest, "Password incorrect")
	}
	conn, ok := s.lookupConn(target)
	if !ok {
		return s.sendError(dest, "No connection with the given address")
	}

	log.Infof("[KICK] %s kicked %s", dest.Addr(), target)
	conn.Close()

	// Acknowledge to the admin; room members get notified through the
	// target's own teardown.
	return dest.Send(protocol.Disconnected(target))
}

func (s *Server) sendError(dest *Destination, message string) error {
	log.Infof("- sending error to %s: %s", dest.Addr(), message)
	return dest.Send(protocol.Error(message))
}
