// Package protocol defines the packet format exchanged between drawing
// clients and the relay, and the binary codec that puts it on the wire.
package protocol

import "net/netip"

// ProtocolVersion is sent by the relay as a single 4-byte little-endian
// frame right after the websocket upgrade, before any packet. Clients must
// read it and refuse to proceed on mismatch.
const ProtocolVersion uint32 = 1

// DefaultPort is the port the relay listens on when none is configured.
const DefaultPort uint16 = 62137

// DefaultMaxRoomID is the upper bound of the room ID space. Room IDs are
// shown to users as short decimal strings, so the space is kept small.
const DefaultMaxRoomID uint32 = 9999

// MaxPacketSize is the absolute wire-level maximum for one encoded packet.
// Both the encoder and the decoder reject anything larger.
const MaxPacketSize = 4 * 1024 * 1024

// ChunkThreshold is the payload size above which clients should re-encode
// canvas chunks more aggressively before relaying them.
const ChunkThreshold = 32 * 1024

// Packet tags. The tag is the first byte of every encoded packet.
const (
	// client -> server
	TagHost         uint8 = 0x01
	TagGetHost      uint8 = 0x02
	TagRequestRelay uint8 = 0x03
	TagRelay        uint8 = 0x04
	TagKick         uint8 = 0x05

	// server -> client
	TagRoomID        uint8 = 0x81
	TagClientAddress uint8 = 0x82
	TagHostAddress   uint8 = 0x83
	TagRelayed       uint8 = 0x84
	TagDisconnected  uint8 = 0x85
	TagError         uint8 = 0x86
)

// Packet is one protocol message. Exactly one variant pointer is non-nil
// for the variants that carry a body; bodiless variants (Host) are
// represented by the tag alone.
type Packet struct {
	Tag uint8

	// GetHost
	RoomID uint32

	// RequestRelay carries the host address to attach to, or nil for the
	// requester's own address. Relay carries the unicast target, or nil
	// for room broadcast.
	Addr *netip.AddrPort

	// Relay / Relayed payload. Opaque to the relay.
	Data []byte

	// Relayed / Disconnected / ClientAddress / HostAddress peer address,
	// and the Kick target.
	Peer netip.AddrPort

	// Error message, Kick password.
	Text string
}

// Constructors, one per variant, so call sites read like the protocol.

func Host() Packet { return Packet{Tag: TagHost} }

func GetHost(roomID uint32) Packet { return Packet{Tag: TagGetHost, RoomID: roomID} }

func RequestRelay(hostAddr *netip.AddrPort) Packet {
	return Packet{Tag: TagRequestRelay, Addr: hostAddr}
}

func Relay(to *netip.AddrPort, data []byte) Packet {
	return Packet{Tag: TagRelay, Addr: to, Data: data}
}

func Kick(password string, target netip.AddrPort) Packet {
	return Packet{Tag: TagKick, Text: password, Peer: target}
}

func RoomID(id uint32) Packet { return Packet{Tag: TagRoomID, RoomID: id} }

func ClientAddress(addr netip.AddrPort) Packet {
	return Packet{Tag: TagClientAddress, Peer: addr}
}

func HostAddress(addr netip.AddrPort) Packet {
	return Packet{Tag: TagHostAddress, Peer: addr}
}

func Relayed(from netip.AddrPort, data []byte) Packet {
	return Packet{Tag: TagRelayed, Peer: from, Data: data}
}

func Disconnected(addr netip.AddrPort) Packet {
	return Packet{Tag: TagDisconnected, Peer: addr}
}

func Error(message string) Packet { return Packet{Tag: TagError, Text: message} }
