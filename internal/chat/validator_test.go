package chat

import (
	"strings"
	"testing"

	"github.com/medibook/realtime-app/internal/protocol"
)

func validSend() protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		AppointmentID: "appt_123",
		SenderID:      "u1",
		SenderRole:    RolePatient,
		ReceiverID:    "d1",
		ReceiverRole:  RoleDoctor,
		Body:          "Hello",
	}
}

func TestValidateSend_Valid(t *testing.T) {
	if err := ValidateSend(validSend()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Doctor -> patient direction is equally valid.
	msg := validSend()
	msg.SenderRole = RoleDoctor
	msg.ReceiverRole = RolePatient
	if err := ValidateSend(msg); err != nil {
		t.Fatalf("unexpected error for doctor sender: %v", err)
	}
}

func TestValidateSend_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*protocol.SendMessageMsg)
	}{
		{"empty body", func(m *protocol.SendMessageMsg) { m.Body = "" }},
		{"whitespace body", func(m *protocol.SendMessageMsg) { m.Body = "   \t\n" }},
		{"missing appointmentId", func(m *protocol.SendMessageMsg) { m.AppointmentID = "" }},
		{"missing senderId", func(m *protocol.SendMessageMsg) { m.SenderID = "" }},
		{"missing receiverId", func(m *protocol.SendMessageMsg) { m.ReceiverID = "" }},
		{"missing senderRole", func(m *protocol.SendMessageMsg) { m.SenderRole = "" }},
		{"missing receiverRole", func(m *protocol.SendMessageMsg) { m.ReceiverRole = "" }},
		{"unknown senderRole", func(m *protocol.SendMessageMsg) { m.SenderRole = "admin" }},
		{"patient to patient", func(m *protocol.SendMessageMsg) { m.ReceiverRole = RolePatient }},
		{"doctor to doctor", func(m *protocol.SendMessageMsg) {
			m.SenderRole = RoleDoctor
			m.ReceiverRole = RoleDoctor
		}},
		{"body over byte limit", func(m *protocol.SendMessageMsg) {
			m.Body = strings.Repeat("x", MaxBodyBytes+1)
		}},
		{"body over char limit", func(m *protocol.SendMessageMsg) {
			m.Body = strings.Repeat("é", MaxBodyChars+1)
		}},
		{"invalid utf-8", func(m *protocol.SendMessageMsg) { m.Body = "hi\xff" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := validSend()
			tc.mutate(&msg)
			if err := ValidateSend(msg); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}
