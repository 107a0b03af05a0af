package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
)

var (
	testV4 = netip.MustParseAddrPort("192.168.1.7:51423")
	testV6 = netip.MustParseAddrPort("[2001:db8::1]:62137")
)

func packetsEqual(a, b Packet) bool {
	if a.Tag != b.Tag || a.RoomID != b.RoomID || a.Peer != b.Peer || a.Text != b.Text {
		return false
	}
	if (a.Addr == nil) != (b.Addr == nil) {
		return false
	}
	if a.Addr != nil && *a.Addr != *b.Addr {
		return false
	}
	return bytes.Equal(a.Data, b.Data)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{"Host", Host()},
		{"GetHost", GetHost(1234)},
		{"RequestRelay broadcast", RequestRelay(nil)},
		{"RequestRelay v4", RequestRelay(&testV4)},
		{"RequestRelay v6", RequestRelay(&testV6)},
		{"Relay broadcast", Relay(nil, []byte("stroke"))},
		{"Relay unicast", Relay(&testV6, []byte{0x00, 0xff, 0x10})},
		{"Relay empty payload", Relay(nil, nil)},
		{"Kick", Kick("hunter2", testV4)},
		{"RoomID", RoomID(9999)},
		{"ClientAddress", ClientAddress(testV4)},
		{"HostAddress", HostAddress(testV6)},
		{"Relayed", Relayed(testV4, []byte("chunk-data"))},
		{"Relayed ack", Relayed(testV4, nil)},
		{"Disconnected", Disconnected(testV6)},
		{"Error", Error("No room found with the given ID. Check whether you spelled the ID correctly")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.packet)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			decoded, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			// Empty payloads may decode as empty non-nil slices.
			if len(decoded.Data) == 0 && len(tt.packet.Data) == 0 {
				decoded.Data, tt.packet.Data = nil, nil
			}
			if !packetsEqual(decoded, tt.packet) {
				t.Errorf("round trip mismatch: sent %+v, got %+v", tt.packet, decoded)
			}
		})
	}
}

func TestEncodeOversizedPayload(t *testing.T) {
	data := make([]byte, MaxPacketSize+1)
	_, err := Encode(Relay(nil, data))
	if !errors.Is(err, ErrPacketTooBig) {
		t.Errorf("expected ErrPacketTooBig, got %v", err)
	}
}

func TestDecodeOversizedPacket(t *testing.T) {
	buf := make([]byte, MaxPacketSize+1)
	buf[0] = TagRelay
	_, err := Decode(buf)
	if !errors.Is(err, ErrPacketTooBig) {
		t.Errorf("expected ErrPacketTooBig, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(Relayed(testV4, []byte("data")))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0x7f}},
		{"truncated GetHost", []byte{TagGetHost, 0x01}},
		{"truncated address", []byte{TagDisconnected, 4, 127, 0}},
		{"bad address family", []byte{TagDisconnected, 9, 0, 0, 0, 0, 0, 0}},
		{"bad presence byte", []byte{TagRequestRelay, 2}},
		{"declared length past end", []byte{TagError, 0xff, 0xff, 0xff, 0x00}},
		{"trailing garbage", append(append([]byte{}, valid...), 0xaa)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.buf); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	buf, err := Encode(Relayed(testV4, []byte("mutate-me")))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		buf[i] = 0
	}
	if !bytes.Equal(decoded.Data, []byte("mutate-me")) {
		t.Error("decoded payload aliases the input buffer")
	}
}
