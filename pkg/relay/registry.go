package relay

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/inkrelay/inkrelay/pkg/protocol"
)

// Registry errors callers branch on. Dispatch maps them to the Error
// packets the user eventually sees.
var (
	ErrNoFreeRoom      = errors.New("no free room id found")
	ErrHostNotFound    = errors.New("no room hosted at that address")
	ErrNotARelayClient = errors.New("sender is not a relay client")
	ErrHostGone        = errors.New("the room's host is gone")
)

// allocAttempts bounds the random sampling for a free room ID. The ID
// space is large relative to the expected number of concurrent rooms, so
// sampling beats a full scan.
const allocAttempts = 50

// RoomReserver is the optional cluster-wide room ID index. When several
// relay pods share one ID space, reservations go through Redis; a nil
// reserver means single-pod operation.
type RoomReserver interface {
	ReserveRoom(ctx context.Context, id uint32) (bool, error)
	ReleaseRoom(ctx context.Context, id uint32) error
}

type room struct {
	id      uint32
	host    *Destination
	clients []*Destination
}

// Registry is the process-wide matchmaker state. All three maps are
// guarded by one mutex; they cross-reference each other and must never be
// observed out of sync.
type Registry struct {
	mu           sync.Mutex
	maxRoomID    uint32
	rooms        map[uint32]*room
	hostRooms    map[netip.AddrPort]uint32
	relayClients map[netip.AddrPort]uint32
	reserver     RoomReserver
}

func NewRegistry(maxRoomID uint32, reserver RoomReserver) *Registry {
	return &Registry{
		maxRoomID:    maxRoomID,
		rooms:        make(map[uint32]*room),
		hostRooms:    make(map[netip.AddrPort]uint32),
		relayClients: make(map[netip.AddrPort]uint32),
		reserver:     reserver,
	}
}

// AllocateRoom creates a room hosted by dest under a randomly sampled free
// ID. It returns ErrNoFreeRoom when the attempt budget is exhausted.
func (r *Registry) AllocateRoom(host *Destination) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < allocAttempts; i++ {
		id := uint32(rand.Int63n(int64(r.maxRoomID) + 1))
		if _, taken := r.rooms[id]; taken {
			continue
		}
		if !r.reserve(id) {
			continue
		}
		r.rooms[id] = &room{id: id, host: host}
		r.hostRooms[host.Addr()] = id
		return id, nil
	}
	return 0, ErrNoFreeRoom
}

// reserve claims the ID in the cluster-wide index if one is configured.
// Coordination failures degrade to local-only allocation rather than
// refusing service.
func (r *Registry) reserve(id uint32) bool {
	if r.reserver == nil {
		return true
	}
	ok, err := r.reserver.ReserveRoom(context.Background(), id)
	if err != nil {
		log.Warnf("room reservation for %d failed, falling back to local allocation: %v", id, err)
		return true
	}
	return ok
}

// LookupRoom returns the hosting destination for a room ID.
func (r *Registry) LookupRoom(id uint32) (*Destination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, false
	}
	return rm.host, true
}

// RegisterRelayClient attaches a client to the room hosted at hostAddr.
func (r *Registry) RegisterRelayClient(hostAddr netip.AddrPort, client *Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.hostRooms[hostAddr]
	if !ok {
		return ErrHostNotFound
	}
	rm := r.rooms[id]
	rm.clients = append(rm.clients, client)
	r.relayClients[client.Addr()] = id
	return nil
}

// RemoveHost deletes the room hosted at addr; a room cannot outlive its
// host. It returns the room's remaining live clients (excluding the host
// itself) so the caller can notify them.
func (r *Registry) RemoveHost(addr netip.AddrPort) ([]*Destination, bool) {
	r.mu.Lock()
	id, ok := r.hostRooms[addr]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	rm := r.rooms[id]
	delete(r.hostRooms, addr)
	delete(r.rooms, id)
	survivors := liveClients(rm, addr)
	r.mu.Unlock()

	r.release(id)
	return survivors, true
}

// RemoveRelayClient detaches addr from the relay index. The room's client
// list is not scanned eagerly; dead entries are pruned on the next relay.
// It returns the room's remaining live clients for disconnect notification,
// when the room still exists.
func (r *Registry) RemoveRelayClient(addr netip.AddrPort) ([]*Destination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.relayClients[addr]
	if !ok {
		return nil, false
	}
	delete(r.relayClients, addr)
	rm, ok := r.rooms[id]
	if !ok {
		// Room already torn down by its host's departure.
		return nil, false
	}
	return liveClients(rm, addr), true
}

// Relay forwards data to the members of the sender's room, excluding the
// sender, optionally narrowed to a single target address. It returns the
// number of peers the payload was forwarded to.
func (r *Registry) Relay(from netip.AddrPort, data []byte, to *netip.AddrPort) (int, error) {
	r.mu.Lock()
	id, ok := r.relayClients[from]
	if !ok {
		r.mu.Unlock()
		return 0, ErrNotARelayClient
	}
	rm, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return 0, ErrHostGone
	}
	pruneDead(rm)
	recipients := liveClients(rm, from)
	r.mu.Unlock()

	packet := protocol.Relayed(from, data)
	sent := 0
	for _, c := range recipients {
		if to != nil && c.Addr() != *to {
			continue
		}
		if err := c.Send(packet); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// RoomCount reports the number of live rooms, used for pod heartbeats.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) release(id uint32) {
	if r.reserver == nil {
		return
	}
	if err := r.reserver.ReleaseRoom(context.Background(), id); err != nil {
		log.Warnf("failed to release room %d reservation: %v", id, err)
	}
}

// pruneDead drops closed destinations from the room's client list.
// Callers hold the registry lock.
func pruneDead(rm *room) {
	kept := rm.clients[:0]
	for _, c := range rm.clients {
		if c.Alive() {
			kept = append(kept, c)
		}
	}
	rm.clients = kept
}

// liveClients snapshots the room's live members, excluding addr.
// Callers hold the registry lock.
func liveClients(rm *room, exclude netip.AddrPort) []*Destination {
	out := make([]*Destination, 0, len(rm.clients))
	for _, c := range rm.clients {
		if c.Alive() && c.Addr() != exclude {
			out = append(out, c)
		}
	}
	return out
}
