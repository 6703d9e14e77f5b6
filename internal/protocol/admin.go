package protocol

import (
	"encoding/json"
	"fmt"
)

// AdminEventType enumerates the domain events relayed on the admin broadcast
// channel. The set is closed: AdminEvent constructors are the only way to
// build an event, and EncodeAdminEvent rejects anything outside this list, so
// adding an event type is a change visible at every emit and handle site.
type AdminEventType string

const (
	EventDoctorCreated      AdminEventType = "doctor:created"
	EventDoctorUpdated      AdminEventType = "doctor:updated"
	EventDoctorDeleted      AdminEventType = "doctor:deleted"
	EventAppointmentCreated AdminEventType = "appointment:created"
	EventAppointmentUpdated AdminEventType = "appointment:updated"
	EventDashboardCounts    AdminEventType = "dashboard:counts"
)

// Valid reports whether t is one of the known admin event types.
func (t AdminEventType) Valid() bool {
	switch t {
	case EventDoctorCreated, EventDoctorUpdated, EventDoctorDeleted,
		EventAppointmentCreated, EventAppointmentUpdated, EventDashboardCounts:
		return true
	}
	return false
}

// DashboardCounts is a point-in-time snapshot of the aggregate counters shown
// on the admin dashboard. It is computed fresh from the store at emit time,
// never maintained incrementally.
type DashboardCounts struct {
	Doctors      int `json:"doctors"`
	Appointments int `json:"appointments"`
	Patients     int `json:"patients"`
}

// AdminEvent is one fire-and-forget domain event. Exactly one payload field
// is set, matching the event type. Payloads are raw JSON snapshots of the
// resource as committed by the CRUD layer; this layer relays them verbatim.
// On the wire the payload fields sit directly beside the type discriminator —
// a counts event is {"type":"dashboard:counts","doctors":N,...}, never a
// nested object.
type AdminEvent struct {
	Type        AdminEventType
	Doctor      json.RawMessage
	Appointment json.RawMessage
	ID          string
	Counts      *DashboardCounts
}

// adminEventWire is the flat JSON shape of an AdminEvent. The counter fields
// are pointers so a legitimate zero count is still emitted for counts events
// while every other event type omits them.
type adminEventWire struct {
	Type         AdminEventType  `json:"type"`
	Doctor       json.RawMessage `json:"doctor,omitempty"`
	Appointment  json.RawMessage `json:"appointment,omitempty"`
	ID           string          `json:"id,omitempty"`
	Doctors      *int            `json:"doctors,omitempty"`
	Appointments *int            `json:"appointments,omitempty"`
	Patients     *int            `json:"patients,omitempty"`
}

// MarshalJSON flattens the event into its wire shape.
func (ev AdminEvent) MarshalJSON() ([]byte, error) {
	w := adminEventWire{
		Type:        ev.Type,
		Doctor:      ev.Doctor,
		Appointment: ev.Appointment,
		ID:          ev.ID,
	}
	if ev.Counts != nil {
		w.Doctors = &ev.Counts.Doctors
		w.Appointments = &ev.Counts.Appointments
		w.Patients = &ev.Counts.Patients
	}
	return json.Marshal(w)
}

// UnmarshalJSON reassembles an event from its flat wire shape.
func (ev *AdminEvent) UnmarshalJSON(data []byte) error {
	var w adminEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ev.Type = w.Type
	ev.Doctor = w.Doctor
	ev.Appointment = w.Appointment
	ev.ID = w.ID
	ev.Counts = nil
	if w.Type == EventDashboardCounts {
		counts := DashboardCounts{}
		if w.Doctors != nil {
			counts.Doctors = *w.Doctors
		}
		if w.Appointments != nil {
			counts.Appointments = *w.Appointments
		}
		if w.Patients != nil {
			counts.Patients = *w.Patients
		}
		ev.Counts = &counts
	}
	return nil
}

// NewDoctorEvent builds a doctor:created or doctor:updated event carrying the
// committed doctor record.
func NewDoctorEvent(t AdminEventType, doctor json.RawMessage) (AdminEvent, error) {
	if t != EventDoctorCreated && t != EventDoctorUpdated {
		return AdminEvent{}, fmt.Errorf("protocol: %q is not a doctor snapshot event", t)
	}
	if len(doctor) == 0 {
		return AdminEvent{}, fmt.Errorf("protocol: %s requires a doctor payload", t)
	}
	return AdminEvent{Type: t, Doctor: doctor}, nil
}

// NewDoctorDeletedEvent builds a doctor:deleted event carrying only the
// deleted doctor's id.
func NewDoctorDeletedEvent(id string) (AdminEvent, error) {
	if id == "" {
		return AdminEvent{}, fmt.Errorf("protocol: doctor:deleted requires an id")
	}
	return AdminEvent{Type: EventDoctorDeleted, ID: id}, nil
}

// NewAppointmentEvent builds an appointment:created or appointment:updated
// event carrying the committed appointment record.
func NewAppointmentEvent(t AdminEventType, appointment json.RawMessage) (AdminEvent, error) {
	if t != EventAppointmentCreated && t != EventAppointmentUpdated {
		return AdminEvent{}, fmt.Errorf("protocol: %q is not an appointment snapshot event", t)
	}
	if len(appointment) == 0 {
		return AdminEvent{}, fmt.Errorf("protocol: %s requires an appointment payload", t)
	}
	return AdminEvent{Type: t, Appointment: appointment}, nil
}

// NewCountsEvent builds a dashboard:counts event from a fresh snapshot.
func NewCountsEvent(counts DashboardCounts) AdminEvent {
	return AdminEvent{Type: EventDashboardCounts, Counts: &counts}
}

// EncodeAdminEvent serializes an admin event for broadcast. Events with an
// unknown type are rejected rather than relayed, so a raw string can never
// reach the wire unchecked.
func EncodeAdminEvent(ev AdminEvent) ([]byte, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("protocol: unknown admin event type: %q", ev.Type)
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal admin event: %w", err)
	}
	return out, nil
}

// DecodeAdminEvent parses an admin event received from a peer server
// instance, enforcing the same closed type set as the encode path.
func DecodeAdminEvent(data []byte) (AdminEvent, error) {
	var ev AdminEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return AdminEvent{}, fmt.Errorf("protocol: failed to unmarshal admin event: %w", err)
	}
	if !ev.Type.Valid() {
		return AdminEvent{}, fmt.Errorf("protocol: unknown admin event type: %q", ev.Type)
	}
	return ev, nil
}
