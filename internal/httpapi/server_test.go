package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/teleagent/internal/booking"
	"github.com/antoniostano/teleagent/internal/bridge"
	"github.com/antoniostano/teleagent/internal/calls"
	"github.com/antoniostano/teleagent/internal/config"
	"github.com/antoniostano/teleagent/internal/memory"
	"github.com/antoniostano/teleagent/internal/observability"
	"github.com/antoniostano/teleagent/internal/protocol"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() config.Config {
	return config.Config{
		CallPendingTimeout: 2 * time.Minute,
		AllowedOrigins:     []string{"http://localhost:5173"},
	}
}

func newBookingServer(t *testing.T) (*httptest.Server, *booking.InMemoryStore) {
	t.Helper()
	store := booking.NewInMemoryStore()
	srv := New(testConfig(), Deps{
		Booking:     store,
		BookingMode: "in-memory",
		Metrics:     observability.NewMetrics("test_httpapi"),
		Logger:      quietLogger(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return res.StatusCode, payload
}

func tomorrow() string {
	return time.Now().AddDate(0, 0, 1).Format(booking.DateLayout)
}

func TestBookingFlow(t *testing.T) {
	ts, _ := newBookingServer(t)
	day := tomorrow()

	status, payload := doJSON(t, http.MethodPost, ts.URL+"/api/slots/generate", map[string]string{"startDate": day, "endDate": day})
	if status != http.StatusOK || payload["created"] != float64(16) {
		t.Fatalf("generate status = %d payload = %+v", status, payload)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/api/slots/"+day, nil)
	if status != http.StatusOK || payload["count"] != float64(16) || payload["date"] != day {
		t.Fatalf("slots by date status = %d payload = %+v", status, payload)
	}
	first := payload["data"].([]any)[0].(map[string]any)
	slotID := first["id"].(float64)
	if first["startTime"] != "09:00" {
		t.Fatalf("first slot = %+v, want 09:00", first)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/api/appointments", map[string]any{"slotId": slotID, "customerName": "Mario Rossi"})
	if status != http.StatusCreated || payload["success"] != true {
		t.Fatalf("create status = %d payload = %+v", status, payload)
	}
	apptID := int64(payload["data"].(map[string]any)["id"].(float64))

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/appointments", map[string]any{"slotId": slotID, "customerName": "Giulia Bianchi"})
	if status != http.StatusConflict {
		t.Fatalf("double booking status = %d, want %d", status, http.StatusConflict)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/api/slots/available", nil)
	if status != http.StatusOK || payload["count"] != float64(15) {
		t.Fatalf("available status = %d count = %v, want 15", status, payload["count"])
	}

	apptURL := ts.URL + "/api/appointments/" + strconv.FormatInt(apptID, 10)
	status, payload = doJSON(t, http.MethodGet, apptURL, nil)
	if status != http.StatusOK || payload["data"].(map[string]any)["customerName"] != "Mario Rossi" {
		t.Fatalf("get status = %d payload = %+v", status, payload)
	}

	status, payload = doJSON(t, http.MethodPut, apptURL+"/cancel", nil)
	if status != http.StatusOK || payload["data"].(map[string]any)["status"] != booking.StatusCancelled {
		t.Fatalf("cancel status = %d payload = %+v", status, payload)
	}
	status, _ = doJSON(t, http.MethodPut, apptURL+"/cancel", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("second cancel status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestBookingValidation(t *testing.T) {
	ts, _ := newBookingServer(t)

	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/slots/20-05-2025", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/slots/range?start=2025-05-20", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/appointments", map[string]any{"slotId": 1}, http.StatusBadRequest},
		{http.MethodPost, "/api/appointments", map[string]any{"slotId": 999, "customerName": "X"}, http.StatusNotFound},
		{http.MethodGet, "/api/appointments/abc", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/appointments/42", nil, http.StatusNotFound},
		{http.MethodPut, "/api/appointments/42/cancel", nil, http.StatusNotFound},
		{http.MethodPost, "/api/slots/generate", map[string]any{"startDate": "2025-05-20"}, http.StatusBadRequest},
		{http.MethodGet, "/api/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		status, payload := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
		if status != tc.want {
			t.Fatalf("%s %s status = %d, want %d (%+v)", tc.method, tc.path, status, tc.want, payload)
		}
		if payload["success"] != false {
			t.Fatalf("%s %s success = %v, want false", tc.method, tc.path, payload["success"])
		}
	}
}

func TestNotFoundCarriesPath(t *testing.T) {
	ts, _ := newBookingServer(t)
	status, payload := doJSON(t, http.MethodGet, ts.URL+"/missing", nil)
	if status != http.StatusNotFound || payload["path"] != "/missing" {
		t.Fatalf("status = %d payload = %+v", status, payload)
	}
}

func TestHTTPClientAgainstBookingAPI(t *testing.T) {
	ts, store := newBookingServer(t)
	day := tomorrow()
	if _, err := store.GenerateSlots(context.Background(), day, day); err != nil {
		t.Fatalf("GenerateSlots() error = %v", err)
	}

	client := booking.NewHTTPClient(ts.URL, 5*time.Second)
	ctx := context.Background()
	slots, err := client.ListAvailableSlots(ctx)
	if err != nil || len(slots) != 16 {
		t.Fatalf("ListAvailableSlots() = %d slots, err = %v", len(slots), err)
	}

	appt, err := client.CreateAppointment(ctx, booking.CreateInput{SlotID: slots[0].ID, CustomerName: "Anna Neri"})
	if err != nil {
		t.Fatalf("CreateAppointment() error = %v", err)
	}
	if _, err := client.CreateAppointment(ctx, booking.CreateInput{SlotID: slots[0].ID, CustomerName: "Luigi Verdi"}); !errors.Is(err, booking.ErrSlotFull) {
		t.Fatalf("second CreateAppointment() error = %v, want ErrSlotFull", err)
	}
	if _, err := client.CancelAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("CancelAppointment() error = %v", err)
	}
	if _, err := client.CancelAppointment(ctx, appt.ID); !errors.Is(err, booking.ErrAlreadyCancelled) {
		t.Fatalf("second CancelAppointment() error = %v, want ErrAlreadyCancelled", err)
	}
	if _, err := client.CancelAppointment(ctx, 4242); !errors.Is(err, booking.ErrAppointmentNotFound) {
		t.Fatalf("CancelAppointment(4242) error = %v, want ErrAppointmentNotFound", err)
	}
}

func TestCORSAllowList(t *testing.T) {
	ts, _ := newBookingServer(t)

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/appointments", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("preflight error = %v", err)
		}
		res.Body.Close()
		return res
	}

	ok := preflight("http://localhost:5173")
	if ok.StatusCode != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d, want %d", ok.StatusCode, http.StatusNoContent)
	}
	if got := ok.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	denied := preflight("https://evil.example")
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("denied preflight status = %d, want %d", denied.StatusCode, http.StatusForbidden)
	}
}

type stubRunner struct {
	calls *calls.Manager
}

// RunCall attaches, reports streaming and stays up until hangup or disconnect.
func (r *stubRunner) RunCall(ctx context.Context, c *calls.Call, device *bridge.Bridge, emit bridge.Emitter) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.calls.Attach(c.ID, cancel); err != nil {
		return err
	}
	if _, err := device.Acquire(runCtx); err != nil {
		_, _ = r.calls.End(c.ID, err)
		return err
	}
	emit(protocol.CallState{Type: protocol.TypeCallState, CallID: c.ID, State: "streaming"})
	<-runCtx.Done()
	_, _ = r.calls.End(c.ID, nil)
	return nil
}

func newCallServer(t *testing.T) (*httptest.Server, *calls.Manager) {
	t.Helper()
	manager := calls.NewManager(calls.DefaultContacts(), time.Minute, quietLogger())
	srv := New(testConfig(), Deps{
		Calls:         manager,
		Runner:        &stubRunner{calls: manager},
		ModelProvider: "mock",
		BookingMode:   "in-memory",
		Logger:        quietLogger(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, manager
}

func TestCreateGetHangupCall(t *testing.T) {
	ts, _ := newCallServer(t)

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/contacts", nil)
	if status != http.StatusOK || len(payload["contacts"].([]any)) != 4 {
		t.Fatalf("contacts status = %d payload = %+v", status, payload)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/v1/calls", map[string]string{"contact_id": "1"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d payload = %+v", status, payload)
	}
	callID, _ := payload["call_id"].(string)
	if callID == "" || payload["status"] != string(calls.StatusCalling) {
		t.Fatalf("unexpected call: %+v", payload)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/v1/calls", map[string]string{"contact_id": "2"})
	if status != http.StatusConflict || payload["code"] != "call_active" {
		t.Fatalf("second create status = %d payload = %+v", status, payload)
	}
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/calls", map[string]string{})
	if status != http.StatusBadRequest {
		t.Fatalf("missing contact status = %d, want %d", status, http.StatusBadRequest)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/calls/"+callID, nil)
	if status != http.StatusOK || payload["contact_name"] != "Mario Rossi" {
		t.Fatalf("get status = %d payload = %+v", status, payload)
	}

	status, payload = doJSON(t, http.MethodPost, ts.URL+"/v1/calls/"+callID+"/hangup", nil)
	if status != http.StatusOK || payload["status"] != string(calls.StatusCompleted) {
		t.Fatalf("hangup status = %d payload = %+v", status, payload)
	}

	status, payload = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if status != http.StatusOK || payload["model_provider"] != "mock" || payload["active_calls"] != float64(0) {
		t.Fatalf("healthz status = %d payload = %+v", status, payload)
	}
}

func TestCallWebSocketLifecycle(t *testing.T) {
	ts, manager := newCallServer(t)
	created, err := manager.Create("3")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/calls/" + created.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if msg := readServerMessage(t, conn); msg.(protocol.ErrorEvent).Code != "invalid_client_message" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	hello := protocol.ClientHello{Type: protocol.TypeClientHello, CallID: created.ID, MicStatus: protocol.MicGranted, SampleRate: 16000}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("WriteJSON(hello) error = %v", err)
	}
	if msg := readServerMessage(t, conn); msg.(protocol.CallState).State != "streaming" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	hangup := protocol.ClientControl{Type: protocol.TypeClientControl, CallID: created.ID, Action: protocol.ActionHangup}
	if err := conn.WriteJSON(hangup); err != nil {
		t.Fatalf("WriteJSON(hangup) error = %v", err)
	}
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("ReadMessage() error = %v, want normal close", err)
	}

	got, _ := manager.Get(created.ID)
	if got.Status != calls.StatusCompleted {
		t.Fatalf("call status = %q, want completed", got.Status)
	}
}

func TestCallWebSocketRejectsEndedCall(t *testing.T) {
	ts, manager := newCallServer(t)
	created, _ := manager.Create("1")
	_, _ = manager.End(created.ID, nil)

	res, err := http.Get(ts.URL + "/v1/calls/" + created.ID + "/ws")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	ts, _ := newCallServer(t)
	status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages: %+v", payload)
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage(%s) error = %v", data, err)
	}
	return msg
}

func TestContactHistory(t *testing.T) {
	manager := calls.NewManager(calls.DefaultContacts(), time.Minute, quietLogger())
	history := memory.NewInMemoryStore()
	srv := New(testConfig(), Deps{
		Calls:   manager,
		History: history,
		Logger:  quietLogger(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	status, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/contacts/4/history", nil)
	if status != http.StatusOK || len(payload["calls"].([]any)) != 0 {
		t.Fatalf("empty history status = %d payload = %+v", status, payload)
	}

	ctx := context.Background()
	_ = history.SaveOutcome(ctx, memory.Outcome{CallID: "a", ContactID: "4", Status: "failed"})
	_ = history.SaveOutcome(ctx, memory.Outcome{CallID: "b", ContactID: "4", Status: "completed"})
	status, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/contacts/4/history?limit=1", nil)
	got, _ := payload["calls"].([]any)
	if status != http.StatusOK || len(got) != 1 || got[0].(map[string]any)["call_id"] != "b" {
		t.Fatalf("history status = %d payload = %+v", status, payload)
	}

	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/contacts/4/history?limit=zero", nil); status != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", status)
	}
	if status, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/contacts/99/history", nil); status != http.StatusNotFound {
		t.Fatalf("missing contact status = %d, want 404", status)
	}
}
