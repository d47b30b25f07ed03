package collab

import (
	"sync"
	"testing"
)

type recordingOut struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recordingOut) Send(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingOut) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]string, len(r.envs))
	for i, env := range r.envs {
		events[i] = env.Event
	}
	return events
}

func (r *recordingOut) lastOf(event string) (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.envs) - 1; i >= 0; i-- {
		if r.envs[i].Event == event {
			return r.envs[i], true
		}
	}
	return Envelope{}, false
}

func (r *recordingOut) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.envs {
		if env.Event == event {
			n++
		}
	}
	return n
}

func TestRegistryJoinLeave(t *testing.T) {
	reg := NewRegistry()
	a := &recordingOut{}
	b := &recordingOut{}

	members := reg.Join("doc-1", Member{ConnID: "c-a", UserID: "u-a"}, a)
	if len(members) != 1 {
		t.Fatalf("members after first join = %d, want 1", len(members))
	}
	members = reg.Join("doc-1", Member{ConnID: "c-b", UserID: "u-b"}, b)
	if len(members) != 2 {
		t.Fatalf("members after second join = %d, want 2", len(members))
	}

	departed, remaining, ok := reg.Leave("doc-1", "c-a")
	if !ok || departed.UserID != "u-a" || len(remaining) != 1 {
		t.Fatalf("leave = (%+v, %v, %v)", departed, remaining, ok)
	}

	// Last leave removes the room entirely.
	_, _, ok = reg.Leave("doc-1", "c-b")
	if !ok {
		t.Fatal("second leave should succeed")
	}
	if reg.RoomCount() != 0 {
		t.Fatalf("room count = %d, want 0", reg.RoomCount())
	}
	if _, _, ok := reg.Leave("doc-1", "c-b"); ok {
		t.Fatal("leaving an empty room should report not present")
	}
}

func TestRegistrySameUserTwice(t *testing.T) {
	reg := NewRegistry()
	first := &recordingOut{}
	second := &recordingOut{}

	reg.Join("doc-1", Member{ConnID: "c-1", UserID: "u-a"}, first)
	members := reg.Join("doc-1", Member{ConnID: "c-2", UserID: "u-a"}, second)
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2 entries for the same user", len(members))
	}

	reg.Leave("doc-1", "c-1")
	if len(reg.Members("doc-1")) != 1 {
		t.Fatal("closing one tab should keep the other present")
	}
}

func TestRegistrySwitch(t *testing.T) {
	reg := NewRegistry()
	mover := &recordingOut{}
	peer := &recordingOut{}
	reg.Join("doc-a", Member{ConnID: "c-m", UserID: "u-m"}, mover)
	reg.Join("doc-a", Member{ConnID: "c-p", UserID: "u-p"}, peer)

	departed, remaining, left, members := reg.Switch("doc-a", "doc-b", Member{ConnID: "c-m", UserID: "u-m"}, mover)
	if !left || departed.UserID != "u-m" {
		t.Fatalf("switch leave = (%+v, %v)", departed, left)
	}
	if len(remaining) != 1 || remaining[0].ConnID != "c-p" {
		t.Fatalf("remaining = %v", remaining)
	}
	if len(members) != 1 || members[0].ConnID != "c-m" {
		t.Fatalf("new room members = %v", members)
	}
	if len(reg.Members("doc-a")) != 1 || len(reg.Members("doc-b")) != 1 {
		t.Fatal("connection must sit in exactly one room after switch")
	}

	// Switching out of a room the connection never joined is just a join.
	_, _, left, members = reg.Switch("doc-x", "doc-c", Member{ConnID: "c-m", UserID: "u-m"}, mover)
	if left || len(members) != 1 {
		t.Fatalf("phantom switch = (%v, %v)", left, members)
	}
	if len(reg.Members("doc-b")) != 1 {
		t.Fatal("old membership untouched when the named room does not match")
	}
}

func TestRegistryBroadcastSkipsSender(t *testing.T) {
	reg := NewRegistry()
	a := &recordingOut{}
	b := &recordingOut{}
	reg.Join("doc-1", Member{ConnID: "c-a"}, a)
	reg.Join("doc-1", Member{ConnID: "c-b"}, b)

	reg.Broadcast("doc-1", "c-a", Envelope{Event: "ping"})
	if len(a.events()) != 0 {
		t.Fatalf("sender received its own broadcast: %v", a.events())
	}
	if got := b.events(); len(got) != 1 || got[0] != "ping" {
		t.Fatalf("peer events = %v", got)
	}

	// Empty exclusion reaches everyone.
	reg.Broadcast("doc-1", "", Envelope{Event: "all"})
	if a.count("all") != 1 || b.count("all") != 1 {
		t.Fatal("broadcast to all should reach both")
	}
}
