// Package chat implements the per-appointment chat channel: send validation,
// the MongoDB message store, and the persist-then-broadcast service that fans
// messages out to everyone in the appointment's room.
package chat

import "time"

// Participant roles. A conversation is always one patient and one doctor;
// admins observe through the REST surface, never through chat rooms.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// Message is one persisted chat message. Messages are immutable once written
// except for IsRead, which flips to true only via an explicit mark-read call,
// independent of delivery.
type Message struct {
	ID            string    `bson:"_id" json:"id"`
	AppointmentID string    `bson:"appointment_id" json:"appointmentId"`
	SenderID      string    `bson:"sender_id" json:"senderId"`
	SenderRole    string    `bson:"sender_role" json:"senderRole"`
	ReceiverID    string    `bson:"receiver_id" json:"receiverId"`
	ReceiverRole  string    `bson:"receiver_role" json:"receiverRole"`
	Body          string    `bson:"body" json:"body"`
	Image         string    `bson:"image,omitempty" json:"image,omitempty"` // reserved; attachments not implemented
	IsRead        bool      `bson:"is_read" json:"isRead"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}
