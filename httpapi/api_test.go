package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/itskum47/horizonq/config"
	"github.com/itskum47/horizonq/hotstore"
	"github.com/itskum47/horizonq/idempotency"
	"github.com/itskum47/horizonq/scheduler"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	hot, err := hotstore.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("hotstore.New: %v", err)
	}
	t.Cleanup(func() { hot.Close() })

	cfg := config.DefaultConfig()
	engine := scheduler.NewEngine(hot, nil, cfg, nil)
	return NewAPI(engine, nil, nil, nil, idempotency.NewStore(nil))
}

func TestHandleScheduleAccepted(t *testing.T) {
	api := newTestAPI(t)

	body, _ := json.Marshal(map[string]interface{}{
		"topic":        "orders",
		"scheduled_at": time.Now().Add(time.Minute),
	})
	req := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	api.HandleSchedule(rw, req)

	if rw.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["schedule_id"] == "" {
		t.Error("expected a non-empty schedule_id in the response")
	}
}

func TestHandleScheduleBadJSON(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader([]byte("not json")))
	rw := httptest.NewRecorder()

	api.HandleSchedule(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rw.Code)
	}
}

func TestHandleScheduleRejectsWrongMethod(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/schedule", nil)
	rw := httptest.NewRecorder()

	api.HandleSchedule(rw, req)
	if rw.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", rw.Code)
	}
}

func TestHandleCancelRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	scheduleBody, _ := json.Marshal(map[string]interface{}{
		"topic":        "orders",
		"scheduled_at": time.Now().Add(time.Minute),
	})
	scheduleReq := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(scheduleBody))
	scheduleRW := httptest.NewRecorder()
	api.HandleSchedule(scheduleRW, scheduleReq)

	var scheduled map[string]string
	json.Unmarshal(scheduleRW.Body.Bytes(), &scheduled)

	cancelBody, _ := json.Marshal(map[string]string{"schedule_id": scheduled["schedule_id"]})
	cancelReq := httptest.NewRequest(http.MethodPost, "/cancel", bytes.NewReader(cancelBody))
	cancelRW := httptest.NewRecorder()
	api.HandleCancel(cancelRW, cancelReq)

	if cancelRW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelRW.Code, cancelRW.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(cancelRW.Body.Bytes(), &resp)
	if resp["outcome"] != "cancelled" {
		t.Errorf("expected outcome=cancelled, got %s", resp["outcome"])
	}
}

func TestHandleSetAdmissionModeValidatesInput(t *testing.T) {
	api := newTestAPI(t)

	body, _ := json.Marshal(map[string]string{"mode": "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/admission", bytes.NewReader(body))
	rw := httptest.NewRecorder()

	api.HandleSetAdmissionMode(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown mode, got %d", rw.Code)
	}
}

func TestHandleSetAdmissionModeDrainBlocksSchedule(t *testing.T) {
	api := newTestAPI(t)

	body, _ := json.Marshal(map[string]string{"mode": "drain"})
	req := httptest.NewRequest(http.MethodPost, "/admission", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	api.HandleSetAdmissionMode(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 setting drain mode, got %d", rw.Code)
	}

	scheduleBody, _ := json.Marshal(map[string]interface{}{
		"topic":        "orders",
		"scheduled_at": time.Now().Add(time.Minute),
	})
	scheduleReq := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(scheduleBody))
	scheduleRW := httptest.NewRecorder()
	api.HandleSchedule(scheduleRW, scheduleReq)

	if scheduleRW.Code != http.StatusConflict {
		t.Errorf("expected schedule to be rejected while draining, got %d", scheduleRW.Code)
	}
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Schedule()

	body, _ := json.Marshal(map[string]interface{}{
		"topic":        "orders",
		"scheduled_at": time.Now().Add(time.Minute),
	})

	req1 := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(body))
	req1.Header.Set("X-Idempotency-Key", "req-1")
	rw1 := httptest.NewRecorder()
	handler(rw1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(body))
	req2.Header.Set("X-Idempotency-Key", "req-1")
	rw2 := httptest.NewRecorder()
	handler(rw2, req2)

	if rw1.Body.String() != rw2.Body.String() {
		t.Errorf("expected the replayed response to match the original byte-for-byte, got %q vs %q", rw1.Body.String(), rw2.Body.String())
	}
}
