package types

import (
	"sync"

	"k8s.io/utils/set"
)

// OnlineMap tracks, for each peer, the set of rooms it is currently
// connected to. It has its own mutex because ingresses consult it from
// multiple fibers (P2P ingress, RPC ingress) independent of the engine loop.
type OnlineMap struct {
	mu    sync.Mutex
	rooms map[PeerId]set.Set[RoomId]
}

// NewOnlineMap builds an empty OnlineMap.
func NewOnlineMap() *OnlineMap {
	return &OnlineMap{rooms: make(map[PeerId]set.Set[RoomId])}
}

// Add records that peer is online in rid.
func (o *OnlineMap) Add(peer PeerId, rid RoomId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.rooms[peer]
	if !ok {
		s = set.New[RoomId]()
		o.rooms[peer] = s
	}
	s.Insert(rid)
}

// Remove records that peer is no longer online in rid. If that was peer's
// last room, the peer is dropped from the index entirely.
func (o *OnlineMap) Remove(peer PeerId, rid RoomId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.rooms[peer]
	if !ok {
		return
	}
	s.Delete(rid)
	if s.Len() == 0 {
		delete(o.rooms, peer)
	}
}

// HasPeer reports whether peer has any live room connection at all. Used by
// ingresses to decide whether a refused connect should still be allowed to
// multiplex an existing connection rather than being torn down.
func (o *OnlineMap) HasPeer(peer PeerId) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.rooms[peer]
	return ok && s.Len() > 0
}

// Rooms returns a snapshot of the rooms peer is currently online in.
func (o *OnlineMap) Rooms(peer PeerId) []RoomId {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.rooms[peer]
	if !ok {
		return nil
	}
	return s.UnsortedList()
}

// PurgeRoom removes rid from every peer's entry. The engine does not call it
// on game-over; a torn-down room's entries stay until each peer's next leave.
func (o *OnlineMap) PurgeRoom(rid RoomId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for peer, s := range o.rooms {
		if s.Has(rid) {
			s.Delete(rid)
			if s.Len() == 0 {
				delete(o.rooms, peer)
			}
		}
	}
}
