package chat

import (
	"context"
	"log"
	"time"

	"github.com/medibook/realtime-app/internal/messaging"
	"github.com/medibook/realtime-app/internal/metrics"
	"github.com/medibook/realtime-app/internal/protocol"
	"github.com/medibook/realtime-app/internal/ratelimit"
	"github.com/medibook/realtime-app/internal/room"
)

// Error codes sent to the offending connection.
const (
	CodeInvalidMessage = "invalid_message"
	CodePersistFailed  = "persist_failed"
	CodeRateLimited    = "rate_limited"
)

// MessageStore is the persistence contract the service needs. Satisfied by
// MongoStore; tests use an in-memory fake.
type MessageStore interface {
	Save(ctx context.Context, msg *Message) error
	History(ctx context.Context, appointmentID string) ([]Message, error)
}

// Publisher republishes local room frames to peer server instances.
// Satisfied by messaging.Client.
type Publisher interface {
	PublishChatEvent(appointmentID string, ev messaging.PeerEvent) error
}

// Presence records room membership for live connections. Satisfied by
// session.Store.
type Presence interface {
	AddRoom(ctx context.Context, sessionID, room string) error
}

// Service is the chat channel: it handles join and send events, persists
// each valid message, and fans the persisted record out to every connection
// in the appointment's room.
type Service struct {
	rooms    *room.Registry
	store    MessageStore
	bus      Publisher          // nil when running a single instance
	presence Presence           // nil disables presence tracking
	limiter  *ratelimit.Limiter // nil disables send throttling
	origin   string             // this server instance's name
}

// NewService wires the chat channel. bus, presence, and limiter may be nil.
func NewService(rooms *room.Registry, store MessageStore, bus Publisher, presence Presence, limiter *ratelimit.Limiter, origin string) *Service {
	return &Service{
		rooms:    rooms,
		store:    store,
		bus:      bus,
		presence: presence,
		limiter:  limiter,
		origin:   origin,
	}
}

// Join adds the connection to the room named by the appointment id. Joining
// is idempotent and accepts any non-empty string as a room key; appointment
// existence is not checked here — read access to the conversation is gated
// by the authenticated REST history endpoint, not by the socket layer.
func (s *Service) Join(ctx context.Context, conn room.Member, appointmentID string) {
	if appointmentID == "" {
		s.sendError(conn, CodeInvalidMessage, "missing appointmentId")
		return
	}

	s.rooms.Join(appointmentID, conn)

	if s.presence != nil {
		if err := s.presence.AddRoom(ctx, conn.SessionID(), appointmentID); err != nil {
			log.Printf("chat: presence update failed session=%s: %v", conn.SessionID(), err)
		}
	}

	log.Printf("chat: session=%s joined room=%s (members=%d)",
		conn.SessionID(), appointmentID, s.rooms.Count(appointmentID))
}

// Send validates, persists, and broadcasts one chat message. The persisted
// record — including the server-assigned id and timestamp — is echoed to
// every room member including the sender, which doubles as the sender's
// delivery acknowledgment. On any failure only the sending connection hears
// about it; the room is untouched.
//
// The live path deliberately performs no sender-identity check against the
// connection: the socket channel is unauthenticated and trusts the client's
// sender fields, mirroring the REST layer's ownership of chat authorization.
func (s *Service) Send(ctx context.Context, conn room.Member, msg protocol.SendMessageMsg) {
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(ctx, conn.SessionID(), ratelimit.RuleSend)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			s.sendError(conn, CodeRateLimited, "too many messages, slow down")
			return
		}
	}

	if err := ValidateSend(msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(conn, CodeInvalidMessage, err.Error())
		return
	}

	start := time.Now()

	record := &Message{
		AppointmentID: msg.AppointmentID,
		SenderID:      msg.SenderID,
		SenderRole:    msg.SenderRole,
		ReceiverID:    msg.ReceiverID,
		ReceiverRole:  msg.ReceiverRole,
		Body:          msg.Body,
	}

	if err := s.store.Save(ctx, record); err != nil {
		log.Printf("chat: persist failed session=%s room=%s: %v",
			conn.SessionID(), msg.AppointmentID, err)
		metrics.MessagesTotal.WithLabelValues("store_error").Inc()
		s.sendError(conn, CodePersistFailed, "message could not be saved")
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ID:            record.ID,
		AppointmentID: record.AppointmentID,
		SenderID:      record.SenderID,
		SenderRole:    record.SenderRole,
		ReceiverID:    record.ReceiverID,
		ReceiverRole:  record.ReceiverRole,
		Body:          record.Body,
		IsRead:        record.IsRead,
		CreatedAt:     record.CreatedAt.UnixMilli(),
	})
	if err != nil {
		log.Printf("chat: failed to encode broadcast room=%s: %v", msg.AppointmentID, err)
		s.sendError(conn, CodePersistFailed, "message saved but could not be delivered")
		return
	}

	delivered := s.rooms.Broadcast(msg.AppointmentID, frame)
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if s.bus != nil {
		if err := s.bus.PublishChatEvent(msg.AppointmentID, messaging.PeerEvent{
			Origin: s.origin,
			Frame:  frame,
		}); err != nil {
			log.Printf("chat: peer publish failed room=%s: %v", msg.AppointmentID, err)
		}
	}

	log.Printf("chat: message id=%s room=%s delivered=%d", record.ID, msg.AppointmentID, delivered)
}

// HandlePeerEvent delivers a frame republished by a peer server instance to
// this instance's local room members. Events originating here are skipped —
// they were already broadcast directly.
func (s *Service) HandlePeerEvent(appointmentID string, ev messaging.PeerEvent) {
	if ev.Origin == s.origin {
		return
	}
	s.rooms.Broadcast(appointmentID, ev.Frame)
}

// History returns the replay sequence for an appointment, oldest first.
// Exposed to the REST layer.
func (s *Service) History(ctx context.Context, appointmentID string) ([]Message, error) {
	return s.store.History(ctx, appointmentID)
}

func (s *Service) sendError(conn room.Member, code, message string) {
	frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("chat: failed to build error message session=%s: %v", conn.SessionID(), err)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("chat: failed to send error message session=%s: %v", conn.SessionID(), err)
	}
}
