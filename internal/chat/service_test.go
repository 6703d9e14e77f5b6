package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medibook/realtime-app/internal/messaging"
	"github.com/medibook/realtime-app/internal/protocol"
	"github.com/medibook/realtime-app/internal/room"
)

// fakeStore is an in-memory MessageStore with monotonic timestamps.
type fakeStore struct {
	mu       sync.Mutex
	saved    []Message
	failNext error
	seq      int
}

func (f *fakeStore) Save(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.seq++
	msg.ID = fmt.Sprintf("m-%d", f.seq)
	msg.CreatedAt = time.Unix(0, int64(f.seq)*int64(time.Millisecond)).UTC()
	msg.IsRead = false
	f.saved = append(f.saved, *msg)
	return nil
}

func (f *fakeStore) History(ctx context.Context, appointmentID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Message{}
	for _, m := range f.saved {
		if m.AppointmentID == appointmentID {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeConn records frames written to one connection.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) SessionID() string { return f.id }

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// fakeBus records peer publications.
type fakeBus struct {
	mu     sync.Mutex
	events []messaging.PeerEvent
}

func (f *fakeBus) PublishChatEvent(appointmentID string, ev messaging.PeerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func newTestService(store MessageStore, bus Publisher) (*Service, *room.Registry) {
	rooms := room.NewRegistry()
	return NewService(rooms, store, bus, nil, nil, "ws-test"), rooms
}

func sendMsg(body string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		AppointmentID: "appt_123",
		SenderID:      "u1",
		SenderRole:    RolePatient,
		ReceiverID:    "d1",
		ReceiverRole:  RoleDoctor,
		Body:          body,
	}
}

// Two sessions join the same room; a valid send reaches both, including the
// sender, with the persisted record's server-assigned fields.
func TestSend_BroadcastsToRoomIncludingSender(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	svc.Join(ctx, a, "appt_123")
	svc.Join(ctx, b, "appt_123")

	svc.Send(ctx, a, sendMsg("Hello"))

	for _, conn := range []*fakeConn{a, b} {
		frames := conn.decoded(t)
		if len(frames) != 1 {
			t.Fatalf("session %s: expected 1 frame, got %d", conn.id, len(frames))
		}
		got := frames[0]
		if got["type"] != protocol.TypeReceiveMessage {
			t.Errorf("session %s: expected receive_message, got %v", conn.id, got["type"])
		}
		if got["body"] != "Hello" {
			t.Errorf("session %s: expected body Hello, got %v", conn.id, got["body"])
		}
		if got["isRead"] != false {
			t.Errorf("session %s: expected isRead false, got %v", conn.id, got["isRead"])
		}
		if got["id"] == "" || got["id"] == nil {
			t.Errorf("session %s: expected server-assigned id", conn.id)
		}
		if _, ok := got["createdAt"].(float64); !ok {
			t.Errorf("session %s: expected server-assigned createdAt", conn.id)
		}
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.saved))
	}
}

// Timestamps assigned at persistence are monotonically non-decreasing per
// appointment.
func TestSend_TimestampsMonotonic(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	svc.Join(ctx, a, "appt_123")

	for i := 0; i < 5; i++ {
		svc.Send(ctx, a, sendMsg(fmt.Sprintf("msg %d", i)))
	}

	history, err := svc.History(ctx, "appt_123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Errorf("timestamp at %d precedes its predecessor", i)
		}
	}
}

// An invalid send persists nothing, broadcasts nothing, and delivers a
// single error event to the sender only.
func TestSend_InvalidPayloadRejected(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*protocol.SendMessageMsg)
	}{
		{"empty body after trim", func(m *protocol.SendMessageMsg) { m.Body = "   " }},
		{"missing senderId", func(m *protocol.SendMessageMsg) { m.SenderID = "" }},
		{"missing receiverId", func(m *protocol.SendMessageMsg) { m.ReceiverID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			svc, _ := newTestService(store, nil)
			ctx := context.Background()

			a := &fakeConn{id: "a"}
			b := &fakeConn{id: "b"}
			svc.Join(ctx, a, "appt_123")
			svc.Join(ctx, b, "appt_123")

			msg := sendMsg("Hello")
			tc.mutate(&msg)
			svc.Send(ctx, a, msg)

			if len(store.saved) != 0 {
				t.Fatalf("expected nothing persisted, got %d", len(store.saved))
			}
			if frames := b.decoded(t); len(frames) != 0 {
				t.Fatalf("other session received %d frames", len(frames))
			}

			frames := a.decoded(t)
			if len(frames) != 1 {
				t.Fatalf("expected exactly 1 error frame to sender, got %d", len(frames))
			}
			if frames[0]["type"] != protocol.TypeError {
				t.Errorf("expected error event, got %v", frames[0]["type"])
			}
			if frames[0]["code"] != CodeInvalidMessage {
				t.Errorf("expected code %q, got %v", CodeInvalidMessage, frames[0]["code"])
			}
		})
	}
}

// A store failure produces an error to the sender only; the room and the
// channel itself are unaffected, and a subsequent send succeeds.
func TestSend_PersistFailureIsLocalToSender(t *testing.T) {
	store := &fakeStore{failNext: errors.New("mongo down")}
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	svc.Join(ctx, a, "appt_123")
	svc.Join(ctx, b, "appt_123")

	svc.Send(ctx, a, sendMsg("doomed"))

	frames := a.decoded(t)
	if len(frames) != 1 || frames[0]["type"] != protocol.TypeError {
		t.Fatalf("expected one error frame to sender, got %v", frames)
	}
	if frames[0]["code"] != CodePersistFailed {
		t.Errorf("expected code %q, got %v", CodePersistFailed, frames[0]["code"])
	}
	if len(b.decoded(t)) != 0 {
		t.Error("other session was disturbed by sender's persistence failure")
	}

	// The channel keeps working once the store recovers.
	svc.Send(ctx, b, sendMsg("recovered"))
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 persisted message after recovery, got %d", len(store.saved))
	}
	if len(a.decoded(t)) != 2 { // error + broadcast
		t.Errorf("sender expected 2 frames total, got %d", len(a.decoded(t)))
	}
}

// A session that left (disconnected) never hears later broadcasts.
func TestSend_DisconnectedSessionReceivesNothing(t *testing.T) {
	store := &fakeStore{}
	svc, rooms := newTestService(store, nil)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	svc.Join(ctx, a, "appt_123")
	svc.Join(ctx, b, "appt_123")

	rooms.LeaveAll("b")

	svc.Send(ctx, a, sendMsg("after disconnect"))
	if len(b.decoded(t)) != 0 {
		t.Errorf("disconnected session received %d frames", len(b.decoded(t)))
	}
	if len(a.decoded(t)) != 1 {
		t.Errorf("sender expected 1 frame, got %d", len(a.decoded(t)))
	}
}

// Valid sends are republished to peers with this instance's origin; peer
// events from another origin are delivered locally, while echoes of our own
// are skipped.
func TestPeerEventFanout(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	svc, _ := newTestService(store, bus)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	svc.Join(ctx, a, "appt_123")

	svc.Send(ctx, a, sendMsg("Hello"))
	if len(bus.events) != 1 {
		t.Fatalf("expected 1 peer publication, got %d", len(bus.events))
	}
	if bus.events[0].Origin != "ws-test" {
		t.Errorf("expected origin ws-test, got %q", bus.events[0].Origin)
	}

	// Echo of our own publication: ignored.
	svc.HandlePeerEvent("appt_123", bus.events[0])
	if len(a.decoded(t)) != 1 {
		t.Fatalf("own echo was re-delivered: %d frames", len(a.decoded(t)))
	}

	// Frame from a different instance: delivered.
	svc.HandlePeerEvent("appt_123", messaging.PeerEvent{
		Origin: "ws-other",
		Frame:  json.RawMessage(`{"type":"receive_message","body":"from peer"}`),
	})
	if len(a.decoded(t)) != 2 {
		t.Fatalf("peer frame not delivered: %d frames", len(a.decoded(t)))
	}
}

// History is scoped to the appointment and repeated calls with no new sends
// return the identical sequence.
func TestHistory_ScopedAndIdempotent(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store, nil)
	ctx := context.Background()

	a := &fakeConn{id: "a"}
	svc.Join(ctx, a, "appt_1")
	svc.Join(ctx, a, "appt_2")

	msg := sendMsg("one")
	msg.AppointmentID = "appt_1"
	svc.Send(ctx, a, msg)

	msg = sendMsg("two")
	msg.AppointmentID = "appt_2"
	svc.Send(ctx, a, msg)

	first, err := svc.History(ctx, "appt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 || first[0].Body != "one" {
		t.Fatalf("unexpected history for appt_1: %+v", first)
	}

	second, err := svc.History(ctx, "appt_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Error("repeated history call returned a different sequence")
	}
}
