package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Encoding is little-endian throughout: one tag byte followed by the
// variant's fields in declaration order. Addresses are a family byte
// (4 or 6), the raw IP bytes, and a u16 port. Optional addresses get a
// presence byte. Byte buffers and strings are u32-length-prefixed.

var (
	// ErrPacketTooBig is returned when an encoded or received packet
	// exceeds MaxPacketSize.
	ErrPacketTooBig = errors.New("packet exceeds maximum size")

	// ErrMalformedPacket is returned when a packet cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Encode serializes a packet into a fresh buffer. A kilobyte of initial
// capacity covers every matchmaking packet; relay payloads grow it.
func Encode(p Packet) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	buf = append(buf, p.Tag)

	switch p.Tag {
	case TagHost:
		// tag only
	case TagGetHost, TagRoomID:
		buf = binary.LittleEndian.AppendUint32(buf, p.RoomID)
	case TagRequestRelay:
		buf = appendOptionalAddr(buf, p.Addr)
	case TagRelay:
		buf = appendOptionalAddr(buf, p.Addr)
		buf = appendBytes(buf, p.Data)
	case TagKick:
		buf = appendBytes(buf, []byte(p.Text))
		buf = appendAddr(buf, p.Peer)
	case TagClientAddress, TagHostAddress, TagDisconnected:
		buf = appendAddr(buf, p.Peer)
	case TagRelayed:
		buf = appendAddr(buf, p.Peer)
		buf = appendBytes(buf, p.Data)
	case TagError:
		buf = appendBytes(buf, []byte(p.Text))
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedPacket, p.Tag)
	}

	if len(buf) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooBig, len(buf))
	}
	return buf, nil
}

// Decode parses one packet from buf. buf must contain exactly one packet;
// trailing bytes are a protocol error.
func Decode(buf []byte) (Packet, error) {
	if len(buf) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooBig, len(buf))
	}
	c := cursor{buf: buf}
	tag, err := c.byte()
	if err != nil {
		return Packet{}, err
	}

	p := Packet{Tag: tag}
	switch tag {
	case TagHost:
		// tag only
	case TagGetHost, TagRoomID:
		p.RoomID, err = c.uint32()
	case TagRequestRelay:
		p.Addr, err = c.optionalAddr()
	case TagRelay:
		if p.Addr, err = c.optionalAddr(); err == nil {
			p.Data, err = c.bytes()
		}
	case TagKick:
		var pw []byte
		if pw, err = c.bytes(); err == nil {
			p.Text = string(pw)
			p.Peer, err = c.addr()
		}
	case TagClientAddress, TagHostAddress, TagDisconnected:
		p.Peer, err = c.addr()
	case TagRelayed:
		if p.Peer, err = c.addr(); err == nil {
			p.Data, err = c.bytes()
		}
	case TagError:
		var msg []byte
		if msg, err = c.bytes(); err == nil {
			p.Text = string(msg)
		}
	default:
		return Packet{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedPacket, tag)
	}
	if err != nil {
		return Packet{}, err
	}
	if c.pos != len(c.buf) {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(c.buf)-c.pos)
	}
	return p, nil
}

func appendAddr(buf []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr()
	if ip.Is4() {
		b := ip.As4()
		buf = append(buf, 4)
		buf = append(buf, b[:]...)
	} else {
		b := ip.As16()
		buf = append(buf, 6)
		buf = append(buf, b[:]...)
	}
	return binary.LittleEndian.AppendUint16(buf, addr.Port())
}

func appendOptionalAddr(buf []byte, addr *netip.AddrPort) []byte {
	if addr == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendAddr(buf, *addr)
}

func appendBytes(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// cursor walks an encoded packet with bounds checks, so truncated or
// corrupted input surfaces as ErrMalformedPacket instead of a panic.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPacket, c.pos)
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) byte() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) uint16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) uint32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) bytes() ([]byte, error) {
	n, err := c.uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d byte payload", ErrPacketTooBig, n)
	}
	b, err := c.take(int(n))
	if err != nil {
		return nil, err
	}
	// Copy out so the packet does not alias the transport's read buffer.
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (c *cursor) addr() (netip.AddrPort, error) {
	family, err := c.byte()
	if err != nil {
		return netip.AddrPort{}, err
	}
	var ip netip.Addr
	switch family {
	case 4:
		b, err := c.take(4)
		if err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom4([4]byte(b))
	case 6:
		b, err := c.take(16)
		if err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom16([16]byte(b))
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: address family %d", ErrMalformedPacket, family)
	}
	port, err := c.uint16()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, port), nil
}

func (c *cursor) optionalAddr() (*netip.AddrPort, error) {
	present, err := c.byte()
	if err != nil {
		return nil, err
	}
	switch present {
	case 0:
		return nil, nil
	case 1:
		addr, err := c.addr()
		if err != nil {
			return nil, err
		}
		return &addr, nil
	default:
		return nil, fmt.Errorf("%w: presence byte %d", ErrMalformedPacket, present)
	}
}
