// Package admin is the broadcast side of the realtime layer: domain events
// from the clinic's CRUD surface (doctor and appointment changes, dashboard
// counter refreshes) are pushed to every connected admin dashboard. Delivery
// is fire-and-forget — there is no acknowledgment, replay, or per-event
// persistence; a dashboard that was offline resynchronizes through the REST
// snapshot endpoint.
package admin

import (
	"context"
	"log"

	"github.com/medibook/realtime-app/internal/messaging"
	"github.com/medibook/realtime-app/internal/metrics"
	"github.com/medibook/realtime-app/internal/protocol"
	"github.com/medibook/realtime-app/internal/room"
)

// Publisher republishes emitted events to peer server instances. Satisfied by
// messaging.Client.
type Publisher interface {
	PublishAdminEvent(ev messaging.PeerEvent) error
}

// CountsSource produces a fresh dashboard snapshot. Satisfied by stats.Store.
type CountsSource interface {
	Snapshot(ctx context.Context) (protocol.DashboardCounts, error)
}

// Notifier fans admin domain events out to the shared admin room.
type Notifier struct {
	rooms  *room.Registry
	bus    Publisher    // nil when running a single instance
	counts CountsSource // nil disables EmitCounts
	recent *RecentLog
	origin string
}

// NewNotifier wires the admin broadcast channel. bus and counts may be nil.
func NewNotifier(rooms *room.Registry, bus Publisher, counts CountsSource, origin string) *Notifier {
	return &Notifier{
		rooms:  rooms,
		bus:    bus,
		counts: counts,
		recent: NewRecentLog(),
		origin: origin,
	}
}

// Emit broadcasts one event to every connection currently in the admin room.
// An empty room is not an error; the event is simply dropped, recorded, and
// counted. Invalid events (unknown type, missing payload) are logged and
// discarded — they never reach the wire.
func (n *Notifier) Emit(ev protocol.AdminEvent) {
	frame, err := protocol.EncodeAdminEvent(ev)
	if err != nil {
		log.Printf("admin: dropping event: %v", err)
		return
	}

	delivered := n.rooms.Broadcast(room.AdminRoom, frame)
	n.recent.Record(ev.Type)
	metrics.AdminEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	metrics.RoomMembers.WithLabelValues(room.AdminRoom).Set(float64(n.rooms.Count(room.AdminRoom)))

	if n.bus != nil {
		if err := n.bus.PublishAdminEvent(messaging.PeerEvent{
			Origin: n.origin,
			Frame:  frame,
		}); err != nil {
			log.Printf("admin: peer publish failed type=%s: %v", ev.Type, err)
		}
	}

	log.Printf("admin: event type=%s delivered=%d", ev.Type, delivered)
}

// EmitCounts reads a fresh snapshot from the counts source and broadcasts it
// as a dashboard:counts event. Counts are always computed at emit time; no
// running totals are kept anywhere in this layer.
func (n *Notifier) EmitCounts(ctx context.Context) error {
	if n.counts == nil {
		return nil
	}
	counts, err := n.counts.Snapshot(ctx)
	if err != nil {
		return err
	}
	n.Emit(protocol.NewCountsEvent(counts))
	return nil
}

// HandlePeerEvent delivers an event emitted on a peer server instance to this
// instance's local admin room. Frames are re-validated on the way in; own
// echoes are skipped.
func (n *Notifier) HandlePeerEvent(ev messaging.PeerEvent) {
	if ev.Origin == n.origin {
		return
	}
	decoded, err := protocol.DecodeAdminEvent(ev.Frame)
	if err != nil {
		log.Printf("admin: dropping peer event from %s: %v", ev.Origin, err)
		return
	}
	n.rooms.Broadcast(room.AdminRoom, ev.Frame)
	n.recent.Record(decoded.Type)
	metrics.AdminEventsTotal.WithLabelValues(string(decoded.Type)).Inc()
}

// Recent returns the retained emit history, oldest first.
func (n *Notifier) Recent() []RecentEvent {
	return n.recent.Events()
}
