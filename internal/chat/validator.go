package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/medibook/realtime-app/internal/protocol"
)

const (
	MaxBodyBytes = 4096 // 4KB max frame size
	MaxBodyChars = 2000 // max character count
)

// ValidateSend checks a send_message payload before anything is persisted:
// every identifier field must be present, the roles must form a
// patient/doctor pair, and the body must be non-empty after trimming. A
// payload that fails here produces no database write and no broadcast.
func ValidateSend(msg protocol.SendMessageMsg) error {
	if msg.AppointmentID == "" {
		return fmt.Errorf("chat: missing appointmentId")
	}
	if msg.SenderID == "" {
		return fmt.Errorf("chat: missing senderId")
	}
	if msg.ReceiverID == "" {
		return fmt.Errorf("chat: missing receiverId")
	}
	if err := validateRolePair(msg.SenderRole, msg.ReceiverRole); err != nil {
		return err
	}
	return validateBody(msg.Body)
}

// validateRolePair enforces the conversation invariant: exactly one patient
// and one doctor, no group chat, no self-chat.
func validateRolePair(senderRole, receiverRole string) error {
	if !validRole(senderRole) {
		return fmt.Errorf("chat: invalid senderRole %q", senderRole)
	}
	if !validRole(receiverRole) {
		return fmt.Errorf("chat: invalid receiverRole %q", receiverRole)
	}
	if senderRole == receiverRole {
		return fmt.Errorf("chat: sender and receiver must be a patient/doctor pair")
	}
	return nil
}

func validRole(role string) bool {
	return role == RolePatient || role == RoleDoctor
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("chat: message body is empty")
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	return nil
}
