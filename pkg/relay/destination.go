// Package relay implements the matchmaker: room registry, per-connection
// handlers and the packet dispatch that relays opaque canvas payloads
// between the peers of a room.
package relay

import (
	"net/netip"
	"sync/atomic"

	"github.com/inkrelay/inkrelay/pkg/protocol"
	"github.com/inkrelay/inkrelay/pkg/txqueue"
)

// Destination is the outbound path to one connected peer: its address and
// the unbounded frame queue drained by the connection's send loop.
//
// A Destination is shared between the connection handler that owns the
// physical socket and every room that needs to address the peer. Rooms hold
// it weakly: once Close marks it dead, room client lists prune it lazily on
// the next relay instead of requiring a synchronous handshake.
type Destination struct {
	addr   netip.AddrPort
	queue  *txqueue.Queue
	closed atomic.Bool
}

func NewDestination(addr netip.AddrPort) *Destination {
	return &Destination{addr: addr, queue: txqueue.New()}
}

// Addr returns the peer's remote address, its stable identity.
func (d *Destination) Addr() netip.AddrPort {
	return d.addr
}

// Send encodes a packet and enqueues it for the send loop. Sends to a
// closed destination are dropped silently: the peer is already gone and
// the disconnect cleanup has been (or is being) run.
func (d *Destination) Send(p protocol.Packet) error {
	buf, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	d.queue.Push(buf)
	return nil
}

// Close marks the destination dead and lets the send loop flush whatever
// is still queued before it exits.
func (d *Destination) Close() {
	d.closed.Store(true)
	d.queue.Close()
}

// Alive reports whether the peer's connection is still up. Room client
// lists use this as the liveness check before relaying.
func (d *Destination) Alive() bool {
	return !d.closed.Load()
}
