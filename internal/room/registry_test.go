package room

import (
	"fmt"
	"sync"
	"testing"
)

// fakeMember records every frame written to it.
type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeMember) SessionID() string { return f.id }

func (f *fakeMember) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeMember) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestJoinAndBroadcast(t *testing.T) {
	r := NewRegistry()
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}

	r.Join("appt_123", a)
	r.Join("appt_123", b)

	n := r.Broadcast("appt_123", []byte(`{"body":"hello"}`))
	if n != 2 {
		t.Fatalf("expected broadcast to reach 2 members, got %d", n)
	}
	if a.received() != 1 || b.received() != 1 {
		t.Errorf("expected one frame each, got a=%d b=%d", a.received(), b.received())
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := &fakeMember{id: "a"}

	r.Join("appt_123", a)
	r.Join("appt_123", a)
	r.Join("appt_123", a)

	if got := r.Count("appt_123"); got != 1 {
		t.Fatalf("expected 1 member after repeated joins, got %d", got)
	}
	if got := r.Broadcast("appt_123", []byte("x")); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if a.received() != 1 {
		t.Errorf("expected exactly one frame, got %d", a.received())
	}
}

func TestBroadcastDoesNotReachOtherRooms(t *testing.T) {
	r := NewRegistry()
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}

	r.Join("appt_1", a)
	r.Join("appt_2", b)

	r.Broadcast("appt_1", []byte("x"))
	if b.received() != 0 {
		t.Errorf("member of appt_2 received a frame broadcast to appt_1")
	}
}

func TestLeaveAllRemovesFromEveryRoom(t *testing.T) {
	r := NewRegistry()
	a := &fakeMember{id: "a"}
	b := &fakeMember{id: "b"}

	r.Join("appt_1", a)
	r.Join("appt_2", a)
	r.Join(AdminRoom, a)
	r.Join("appt_1", b)

	r.LeaveAll("a")

	for _, name := range []string{"appt_1", "appt_2", AdminRoom} {
		if r.Contains(name, "a") {
			t.Errorf("session a still in room %q after LeaveAll", name)
		}
	}
	if len(r.Rooms("a")) != 0 {
		t.Errorf("expected no rooms for session a, got %v", r.Rooms("a"))
	}

	// A subsequent broadcast never reaches the removed session.
	r.Broadcast("appt_1", []byte("x"))
	if a.received() != 0 {
		t.Errorf("removed session received %d frames", a.received())
	}
	if b.received() != 1 {
		t.Errorf("remaining member expected 1 frame, got %d", b.received())
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := NewRegistry()
	a := &fakeMember{id: "a"}

	r.Join("appt_1", a)
	r.Leave("appt_1", "a")

	if r.Count("appt_1") != 0 {
		t.Fatalf("expected empty room, got %d members", r.Count("appt_1"))
	}
	if r.Contains("appt_1", "a") {
		t.Error("session still reported as member after leave")
	}
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := NewRegistry()
	goroutines := 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			m := &fakeMember{id: fmt.Sprintf("s-%d", id)}
			room := fmt.Sprintf("appt_%d", id%5)
			for i := 0; i < 20; i++ {
				r.Join(room, m)
				r.Broadcast(room, []byte("x"))
				r.LeaveAll(m.id)
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("appt_%d", i)
		if r.Count(name) != 0 {
			t.Errorf("room %q expected empty after all LeaveAll calls, got %d", name, r.Count(name))
		}
	}
}
