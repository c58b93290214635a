package signaling

import (
	"errors"
	"sort"
	"sync"
)

var ErrRoomFull = errors.New("signaling: room is full")

// Registry tracks which connection ids currently belong to which room, and
// their last-known presence metadata. Rooms are created implicitly on first
// join and dropped when the last participant leaves.
//
// A connection id belongs to at most one room at a time: joining a second
// room implicitly leaves the first (Join reports the previous room so the
// relay can fan out the departure).
//
// All methods are safe for concurrent use; a single lock is sufficient since
// no cross-room coordination is ever needed and rooms are small.
type Registry struct {
	maxPerRoom int

	mu     sync.Mutex
	rooms  map[string]map[string]Participant
	byConn map[string]string // connection id -> room id
}

// NewRegistry creates a Registry. maxPerRoom <= 0 means unlimited.
func NewRegistry(maxPerRoom int) *Registry {
	return &Registry{
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]map[string]Participant),
		byConn:     make(map[string]string),
	}
}

// Join adds p to roomID and returns the roster excluding the joiner.
//
// Re-joining the same room with the same connection id refreshes the stored
// presence metadata and returns the current roster; it never counts against
// the room limit. If the connection was in a different room,
// that room is left first and its id is returned in prevRoom (with
// prevEmptied reporting whether it emptied).
func (r *Registry) Join(roomID string, p Participant) (roster []Participant, prevRoom string, prevEmptied bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byConn[p.ID]; ok && cur != roomID {
		prevRoom = cur
		prevEmptied = r.removeLocked(cur, p.ID)
	}

	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]Participant)
		r.rooms[roomID] = room
	}

	if _, rejoining := room[p.ID]; !rejoining && r.maxPerRoom > 0 && len(room) >= r.maxPerRoom {
		return nil, prevRoom, prevEmptied, ErrRoomFull
	}
	room[p.ID] = p
	r.byConn[p.ID] = roomID

	return r.rosterLocked(roomID, p.ID), prevRoom, prevEmptied, nil
}

// Leave removes the participant from the room. Safe to call on an unknown
// (room, participant) pair. emptied reports whether the room was dropped.
func (r *Registry) Leave(roomID, connID string) (removed, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byConn[connID] != roomID {
		return false, false
	}
	if _, ok := r.rooms[roomID][connID]; !ok {
		return false, false
	}
	emptied = r.removeLocked(roomID, connID)
	return true, emptied
}

// Disconnect acts as Leave for whatever room the connection belonged to.
// It fires at most once per connection: a disconnect racing an explicit
// leave finds no membership and reports ok=false.
func (r *Registry) Disconnect(connID string) (roomID string, emptied, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.byConn[connID]
	if !ok {
		return "", false, false
	}
	emptied = r.removeLocked(roomID, connID)
	return roomID, emptied, true
}

// UpdateMedia records a participant's flag flip so future rosters carry it.
func (r *Registry) UpdateMedia(connID string, m MediaState) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.byConn[connID]
	if !ok {
		return "", false
	}
	p := r.rooms[roomID][connID]
	p.AudioEnabled = m.AudioEnabled
	p.VideoEnabled = m.VideoEnabled
	r.rooms[roomID][connID] = p
	return roomID, true
}

// Roster returns the room's participants, excluding excludeConnID, ordered
// by connection id.
func (r *Registry) Roster(roomID, excludeConnID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(roomID, excludeConnID)
}

// Room returns the room a connection belongs to, if any.
func (r *Registry) Room(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[connID]
	return roomID, ok
}

// Occupancy returns the number of participants in the room.
func (r *Registry) Occupancy(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

func (r *Registry) rosterLocked(roomID, excludeConnID string) []Participant {
	room := r.rooms[roomID]
	roster := make([]Participant, 0, len(room))
	for id, p := range room {
		if id == excludeConnID {
			continue
		}
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func (r *Registry) removeLocked(roomID, connID string) (emptied bool) {
	delete(r.rooms[roomID], connID)
	delete(r.byConn, connID)
	if len(r.rooms[roomID]) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return false
}
