package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medibook/realtime-app/internal/admin"
	"github.com/medibook/realtime-app/internal/auth"
	"github.com/medibook/realtime-app/internal/chat"
	"github.com/medibook/realtime-app/internal/protocol"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, role, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"type": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

type fakeChatStore struct {
	messages map[string][]chat.Message
	marked   map[string]bool // appointmentID -> already marked
}

func (f *fakeChatStore) History(ctx context.Context, appointmentID string) ([]chat.Message, error) {
	msgs := f.messages[appointmentID]
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

func (f *fakeChatStore) MarkRead(ctx context.Context, appointmentID, readerID string) (int64, error) {
	if f.marked == nil {
		f.marked = make(map[string]bool)
	}
	if f.marked[appointmentID] {
		return 0, nil
	}
	f.marked[appointmentID] = true
	return int64(len(f.messages[appointmentID])), nil
}

type fixedCounts struct {
	counts protocol.DashboardCounts
}

func (f *fixedCounts) Snapshot(ctx context.Context) (protocol.DashboardCounts, error) {
	return f.counts, nil
}

type fixedRecent struct {
	events []admin.RecentEvent
}

func (f *fixedRecent) Recent() []admin.RecentEvent { return f.events }

func newTestRouter(store ChatStore) http.Handler {
	return Router(auth.NewVerifier(testSecret), store,
		&fixedCounts{counts: protocol.DashboardCounts{Doctors: 3, Appointments: 7, Patients: 20}},
		&fixedRecent{events: []admin.RecentEvent{{Type: protocol.EventDoctorCreated, At: 1000}}})
}

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHistory(t *testing.T) {
	store := &fakeChatStore{messages: map[string][]chat.Message{
		"appt_123": {
			{ID: "m1", AppointmentID: "appt_123", Body: "Hello", SenderRole: chat.RolePatient},
			{ID: "m2", AppointmentID: "appt_123", Body: "Hi there", SenderRole: chat.RoleDoctor},
		},
	}}
	router := newTestRouter(store)
	token := signToken(t, auth.RolePatient, "u1")

	w := doRequest(t, router, http.MethodGet, "/api/appointments/appt_123/messages", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}

	// Unknown appointment: empty array, not an error.
	w = doRequest(t, router, http.MethodGet, "/api/appointments/appt_none/messages", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty history, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Errorf("expected empty messages array, got %s", w.Body.String())
	}
}

func TestHistory_RequiresToken(t *testing.T) {
	router := newTestRouter(&fakeChatStore{})

	w := doRequest(t, router, http.MethodGet, "/api/appointments/appt_123/messages", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = doRequest(t, router, http.MethodGet, "/api/appointments/appt_123/messages", "garbage", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	store := &fakeChatStore{messages: map[string][]chat.Message{
		"appt_123": {{ID: "m1"}, {ID: "m2"}},
	}}
	router := newTestRouter(store)
	token := signToken(t, auth.RoleDoctor, "d1")

	w := doRequest(t, router, http.MethodPost, "/api/appointments/appt_123/read", token, `{"readerId":"d1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"modified":2`) {
		t.Errorf("expected 2 modified, got %s", w.Body.String())
	}

	// Second call modifies nothing.
	w = doRequest(t, router, http.MethodPost, "/api/appointments/appt_123/read", token, `{"readerId":"d1"}`)
	if !strings.Contains(w.Body.String(), `"modified":0`) {
		t.Errorf("expected 0 modified on repeat, got %s", w.Body.String())
	}

	// Missing readerId is a client error.
	w = doRequest(t, router, http.MethodPost, "/api/appointments/appt_123/read", token, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without readerId, got %d", w.Code)
	}
}

func TestAdminSnapshot(t *testing.T) {
	router := newTestRouter(&fakeChatStore{})

	// Admin gets the counts.
	w := doRequest(t, router, http.MethodGet, "/api/admin/snapshot", signToken(t, auth.RoleAdmin, "a1"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Counts protocol.DashboardCounts `json:"counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Counts.Patients != 20 {
		t.Errorf("unexpected counts: %+v", resp.Counts)
	}

	// Doctor and patient tokens are valid but forbidden here.
	for _, role := range []string{auth.RoleDoctor, auth.RolePatient} {
		w := doRequest(t, router, http.MethodGet, "/api/admin/snapshot", signToken(t, role, "u1"), "")
		if w.Code != http.StatusForbidden {
			t.Errorf("role %s: expected 403, got %d", role, w.Code)
		}
	}
}

func TestAdminRecentEvents(t *testing.T) {
	router := newTestRouter(&fakeChatStore{})

	w := doRequest(t, router, http.MethodGet, "/api/admin/events/recent", signToken(t, auth.RoleAdmin, "a1"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), string(protocol.EventDoctorCreated)) {
		t.Errorf("expected doctor:created in recent events, got %s", w.Body.String())
	}
}

func TestAdminSnapshot_Unconfigured(t *testing.T) {
	router := Router(auth.NewVerifier(testSecret), &fakeChatStore{}, nil, nil)

	w := doRequest(t, router, http.MethodGet, "/api/admin/snapshot", signToken(t, auth.RoleAdmin, "a1"), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a counts source, got %d", w.Code)
	}
}
