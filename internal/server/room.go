package server

import (
	"slices"
	"sync"
)

func bidRoom(bidId string) string {
	return "bid_" + bidId
}

// roomRegistry tracks which clients are subscribed to which room. A room
// exists while it has at least one member.
type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

func (r *roomRegistry) join(roomId string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[roomId] = members
	}
	members[c] = struct{}{}
	c.addRoom(roomId)
}

func (r *roomRegistry) leave(roomId string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[roomId]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, roomId)
		}
	}
	c.delRoom(roomId)
}

// leaveAll removes the client from every room it has joined apart from
// the ones listed in keep.
func (r *roomRegistry) leaveAll(c *Client, keep ...string) {
	for _, roomId := range c.roomIds() {
		if slices.Contains(keep, roomId) {
			continue
		}
		r.leave(roomId, c)
	}
}

func (r *roomRegistry) isMember(roomId string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomId][c]
	return ok
}

func (r *roomRegistry) members(roomId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		clients = append(clients, c)
	}
	return clients
}

// broadcast queues msg for every member of the room except skip and returns
// the number of clients it was queued for.
func (r *roomRegistry) broadcast(roomId string, msg *ServerMessage, skip *Client) int {
	sent := 0
	for _, c := range r.members(roomId) {
		if c == skip {
			continue
		}
		if c.queueMessage(msg) {
			sent++
		}
	}
	return sent
}
