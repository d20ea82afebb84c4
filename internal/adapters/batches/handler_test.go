package batches

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"herbtrace/internal/adapters/qrcodes"
	"herbtrace/internal/blob"
	"herbtrace/internal/codec"
	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *core.Service) {
	t.Helper()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(),
		core.WithClock(core.ClockFunc(func() time.Time { return fixedNow })))
	return NewHandler(svc, qrcodes.NewPublisher(blob.NewMemory(), nil)), svc
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

const registerBody = `{"batch_id":"BATCH_001","farmer":"Green Valley Farms","plant_type":"Echinacea Purpurea","quantity_kg":500,"location":"Oregon, USA","timestamp":"2024-05-01T08:00:00Z"}`

func TestRegisterAndLookup(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/v1/batches", registerBody, map[string]string{ActorHeader: "farmer-7"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	event := decode(t, rec)["event"].(map[string]any)
	if event["recorded_by"] != "farmer-7" || event["id"] == "" {
		t.Fatalf("expected stamped event, got %+v", event)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/batches", registerBody, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/batches/BATCH_001/lab-tests",
		`{"test_type":"Purity Test","result":"99.2% Pure","lab_id":"LAB_A","timestamp":"2024-05-06T08:00:00Z"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("lab test: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/batches/BATCH_001/processing-steps",
		`{"step_type":"Drying","processor":"Mill","description":"Air dried","temperature":35.5,"duration":"48h","timestamp":"2024-05-08T08:00:00Z"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("processing: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/batches/BATCH_001/transport-events",
		`{"from_location":"Oregon, USA","to_location":"Portland Facility","transporter_id":"TR_1","vehicle_id":"VH-9"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("transport: expected 201, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/batches/BATCH_001", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d", rec.Code)
	}
	timeline := decode(t, rec)["timeline"].([]any)
	if len(timeline) != 4 {
		t.Fatalf("expected 4 timeline entries, got %d", len(timeline))
	}
	var categories []string
	for _, entry := range timeline {
		categories = append(categories, entry.(map[string]any)["category"].(string))
	}
	if strings.Join(categories, ",") != "harvest,lab_test,processing,transport" {
		t.Fatalf("unexpected order %v", categories)
	}
	last := timeline[3].(map[string]any)
	if last["timestamp"] != fixedNow.Format(time.RFC3339) {
		t.Fatalf("omitted timestamp should default to server clock, got %v", last["timestamp"])
	}

	rec = do(t, h, http.MethodGet, "/api/v1/batches/BATCH_001/timeline", "", nil)
	if rec.Code != http.StatusOK || len(decode(t, rec)["timeline"].([]any)) != 4 {
		t.Fatalf("timeline: unexpected %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/batches", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if ids := decode(t, rec)["batches"].([]any); len(ids) != 1 || ids[0] != "BATCH_001" {
		t.Fatalf("unexpected list %v", ids)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	if rec := do(t, h, http.MethodPost, "/api/v1/batches", registerBody, nil); rec.Code != http.StatusCreated {
		t.Fatalf("seed: %d", rec.Code)
	}
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown lookup", http.MethodGet, "/api/v1/batches/NOPE", "", http.StatusNotFound},
		{"unknown append", http.MethodPost, "/api/v1/batches/NOPE/lab-tests", `{"test_type":"a","result":"b","lab_id":"c"}`, http.StatusNotFound},
		{"missing fields", http.MethodPost, "/api/v1/batches/BATCH_001/lab-tests", `{"test_type":"a"}`, http.StatusBadRequest},
		{"blank id", http.MethodPost, "/api/v1/batches", `{"batch_id":"  ","farmer":"f","plant_type":"p","quantity_kg":1,"location":"l"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/v1/batches", `{`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/batches", `{"batchId":"x"}`, http.StatusBadRequest},
		{"bad duration", http.MethodPost, "/api/v1/batches/BATCH_001/processing-steps", `{"step_type":"a","processor":"b","description":"c","duration":"soon"}`, http.StatusBadRequest},
		{"future event", http.MethodPost, "/api/v1/batches/BATCH_001/lab-tests", `{"test_type":"a","result":"b","lab_id":"c","timestamp":"2030-01-01T00:00:00Z"}`, http.StatusUnprocessableEntity},
		{"wrong method", http.MethodDelete, "/api/v1/batches/BATCH_001", "", http.StatusMethodNotAllowed},
		{"wrong action method", http.MethodGet, "/api/v1/batches/BATCH_001/lab-tests", "", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodPost, "/api/v1/batches/BATCH_001/harvests", `{}`, http.StatusNotFound},
		{"deep path", http.MethodGet, "/api/v1/batches/BATCH_001/qr/extra", "", http.StatusNotFound},
		{"outside api", http.MethodGet, "/healthz", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRuleBlockedResponseListsViolations(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"batch_id":"B2","farmer":"f","plant_type":"p","quantity_kg":1,"location":"l","timestamp":"2030-01-01T00:00:00Z"}`
	rec := do(t, h, http.MethodPost, "/api/v1/batches", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	vs := decode(t, rec)["violations"].([]any)
	if len(vs) == 0 || vs[0].(map[string]any)["rule"] != "future_timestamp" {
		t.Fatalf("unexpected violations %v", vs)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/batches/B2", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("blocked registration must not create the record, got %d", rec.Code)
	}
}

func TestWarningsAreReturnedWithCreatedEvent(t *testing.T) {
	h, _ := newTestHandler(t)
	do(t, h, http.MethodPost, "/api/v1/batches", registerBody, nil)
	rec := do(t, h, http.MethodPost, "/api/v1/batches/BATCH_001/lab-tests",
		`{"test_type":"a","result":"b","lab_id":"c","timestamp":"2024-01-01T00:00:00Z"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	vs := decode(t, rec)["violations"].([]any)
	if len(vs) != 1 || vs[0].(map[string]any)["rule"] != "event_chronology" {
		t.Fatalf("expected chronology warning, got %v", vs)
	}
}

func TestQREndpointServesScannablePNG(t *testing.T) {
	h, _ := newTestHandler(t)
	do(t, h, http.MethodPost, "/api/v1/batches", registerBody, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/batches/BATCH_001/qr", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected qr response %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	text, err := codec.NewImageReader().ReadBytes(rec.Body.Bytes())
	if err != nil || text != "HerbTrace:BATCH_001" {
		t.Fatalf("decoded %q err=%v", text, err)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/batches/NOPE/qr", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch qr, got %d", rec.Code)
	}
	h.QR = nil
	if rec := do(t, h, http.MethodGet, "/api/v1/batches/BATCH_001/qr", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without publisher, got %d", rec.Code)
	}
}

func TestDecodePayloadAndImage(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/api/v1/scan/decode", `{"payload":"HerbTrace:BATCH_001"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["batch_id"] != "BATCH_001" {
		t.Fatalf("unexpected decode %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/scan/decode", `{"payload":"herbtrace:BATCH_001"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong prefix case, got %d", rec.Code)
	}

	png, err := codec.NewQRRenderer(256).Render("HerbTrace:lot/7")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan/decode", bytes.NewReader(png))
	req.Header.Set("Content-Type", "image/png")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || decode(t, rr)["batch_id"] != "lot/7" {
		t.Fatalf("unexpected image decode %d %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/scan/decode", strings.NewReader("not an image"))
	req.Header.Set("Content-Type", "image/png")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unreadable image, got %d", rr.Code)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/scan/decode", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestEscapedIdentifiersRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"batch_id":"lot/7","farmer":"f","plant_type":"p","quantity_kg":1,"location":"l","timestamp":"2024-05-01T08:00:00Z"}`
	if rec := do(t, h, http.MethodPost, "/api/v1/batches", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/api/v1/batches/lot%2F7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected escaped lookup to succeed, got %d", rec.Code)
	}
}

type faultyService struct{ BatchService }

func (faultyService) Lookup(context.Context, domain.BatchID) (domain.BatchRecord, error) {
	return domain.BatchRecord{}, errors.New("connection reset")
}

func (faultyService) ListBatches(context.Context) ([]domain.BatchID, error) {
	return nil, errors.New("connection reset")
}

func TestFaultsBecomeGenericServerErrors(t *testing.T) {
	h := NewHandler(faultyService{}, nil)
	for _, path := range []string{"/api/v1/batches/BATCH_001", "/api/v1/batches"} {
		rec := do(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", path, rec.Code)
		}
		body, _ := io.ReadAll(rec.Body)
		if strings.Contains(string(body), "connection reset") {
			t.Fatalf("fault detail leaked: %s", body)
		}
	}
	if rec := do(t, &Handler{}, http.MethodGet, "/api/v1/batches", "", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without service, got %d", rec.Code)
	}
}
