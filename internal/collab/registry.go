package collab

import (
	"sort"
	"sync"
)

// Member is one connection's presence inside a document room. The same user
// connected twice appears twice, under distinct connection IDs.
type Member struct {
	ConnID   string `json:"-"`
	UserID   string `json:"id"`
	Username string `json:"username"`
}

// sender delivers an envelope to one connection without blocking the caller.
type sender interface {
	Send(env Envelope)
}

type roomEntry struct {
	member Member
	out    sender
}

// Registry tracks which connections sit in which document room. Rooms exist
// only while occupied; the last leave removes the room entirely.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]roomEntry
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]roomEntry)}
}

// Join adds the connection to the document room and returns the membership
// after the join.
func (r *Registry) Join(documentID string, member Member, out sender) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	if !ok {
		room = make(map[string]roomEntry)
		r.rooms[documentID] = room
	}
	room[member.ConnID] = roomEntry{member: member, out: out}
	return membersLocked(room)
}

// Leave removes the connection from the room. Returns the departed member and
// the remaining membership; ok is false when the connection was not present.
func (r *Registry) Leave(documentID, connID string) (Member, []Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	if !ok {
		return Member{}, nil, false
	}
	entry, ok := room[connID]
	if !ok {
		return Member{}, nil, false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, documentID)
		return entry.member, nil, true
	}
	return entry.member, membersLocked(room), true
}

// Switch moves a connection between rooms in one step, so it is never present
// in two rooms at once. Returns the leave results for the old room and the new
// room's membership after the join.
func (r *Registry) Switch(oldDocumentID, newDocumentID string, member Member, out sender) (departed Member, remaining []Member, left bool, members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[oldDocumentID]; ok {
		if entry, ok := room[member.ConnID]; ok {
			delete(room, member.ConnID)
			departed, left = entry.member, true
			if len(room) == 0 {
				delete(r.rooms, oldDocumentID)
			} else {
				remaining = membersLocked(room)
			}
		}
	}
	room, ok := r.rooms[newDocumentID]
	if !ok {
		room = make(map[string]roomEntry)
		r.rooms[newDocumentID] = room
	}
	room[member.ConnID] = roomEntry{member: member, out: out}
	return departed, remaining, left, membersLocked(room)
}

// Members returns the current membership of the room, oldest-ID first.
func (r *Registry) Members(documentID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	return membersLocked(room)
}

// Broadcast delivers the envelope to every room member except connID. Pass an
// empty connID to reach everyone.
func (r *Registry) Broadcast(documentID, exceptConnID string, env Envelope) {
	r.mu.Lock()
	targets := make([]sender, 0, len(r.rooms[documentID]))
	for id, entry := range r.rooms[documentID] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, entry.out)
	}
	r.mu.Unlock()

	for _, out := range targets {
		out.Send(env)
	}
}

// RoomCount reports how many rooms are currently occupied.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func membersLocked(room map[string]roomEntry) []Member {
	members := make([]Member, 0, len(room))
	for _, entry := range room {
		members = append(members, entry.member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConnID < members[j].ConnID })
	return members
}
