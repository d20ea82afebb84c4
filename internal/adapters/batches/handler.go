// Package batches exposes batch registration, event appends, provenance
// lookups, QR artifacts and payload decoding over HTTP.
package batches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"herbtrace/internal/adapters/qrcodes"
	"herbtrace/internal/codec"
	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

const (
	basePath = "/api/v1/batches"
	scanPath = "/api/v1/scan/decode"
	// ActorHeader carries the opaque identity of the caller.
	ActorHeader = "X-Actor-ID"
	maxBody     = 1 << 20
	maxImage    = 8 << 20
)

// BatchService is the subset of core.Service the handler needs.
type BatchService interface {
	RegisterBatch(ctx context.Context, id domain.BatchID, harvest domain.HarvestEvent) (domain.HarvestEvent, domain.Result, error)
	AppendLabTest(ctx context.Context, id domain.BatchID, event domain.LabTestEvent) (domain.LabTestEvent, domain.Result, error)
	AppendProcessingStep(ctx context.Context, id domain.BatchID, event domain.ProcessingStepEvent) (domain.ProcessingStepEvent, domain.Result, error)
	AppendTransportEvent(ctx context.Context, id domain.BatchID, event domain.TransportEvent) (domain.TransportEvent, domain.Result, error)
	Lookup(ctx context.Context, id domain.BatchID) (domain.BatchRecord, error)
	ListBatches(ctx context.Context) ([]domain.BatchID, error)
	Now() time.Time
}

// QRSource serves rendered QR artifacts.
type QRSource interface {
	Open(ctx context.Context, id domain.BatchID) (qrcodes.Artifact, io.ReadCloser, error)
}

// Handler provides HTTP access to batch provenance.
type Handler struct {
	Service BatchService
	QR      QRSource
	Logger  core.Logger
}

// NewHandler constructs a batch HTTP handler. qr may be nil, in which case
// the QR endpoint answers 404.
func NewHandler(svc BatchService, qr QRSource) *Handler {
	return &Handler{Service: svc, QR: qr}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "batch service not configured")
		return
	}
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		r = r.WithContext(core.WithActor(r.Context(), actor))
	}

	path := strings.TrimSuffix(r.URL.EscapedPath(), "/")
	switch {
	case path == scanPath:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleDecode(w, r)
	case path == basePath:
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleRegister(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case strings.HasPrefix(path, basePath+"/"):
		h.handleBatch(w, r, strings.TrimPrefix(path, basePath+"/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	raw, err := url.PathUnescape(segments[0])
	if err != nil || raw == "" {
		writeError(w, http.StatusBadRequest, "invalid batch identifier")
		return
	}
	id := domain.BatchID(raw)

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleLookup(w, r, id)
		return
	}
	if len(segments) != 2 {
		writeError(w, http.StatusNotFound, "batch endpoint not found")
		return
	}

	action := segments[1]
	method := http.MethodPost
	if action == "timeline" || action == "qr" {
		method = http.MethodGet
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch action {
	case "timeline":
		h.handleTimeline(w, r, id)
	case "qr":
		h.handleQR(w, r, id)
	case "lab-tests":
		h.handleLabTest(w, r, id)
	case "processing-steps":
		h.handleProcessing(w, r, id)
	case "transport-events":
		h.handleTransport(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "batch endpoint not found")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Service.ListBatches(r.Context())
	if err != nil {
		h.fail(w, "", err)
		return
	}
	if ids == nil {
		ids = []domain.BatchID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": ids})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	rec, err := h.Service.Lookup(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": rec, "timeline": domain.Aggregate(rec)})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	rec, err := h.Service.Lookup(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": domain.Aggregate(rec)})
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	if h.QR == nil {
		writeError(w, http.StatusNotFound, "qr artifacts not configured")
		return
	}
	if _, err := h.Service.Lookup(r.Context(), id); err != nil {
		h.fail(w, id, err)
		return
	}
	art, rc, err := h.QR.Open(r.Context(), id)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", art.ContentType)
	if art.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.SizeBytes, 10))
	}
	if art.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(art.ETag))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

type registerRequest struct {
	BatchID    string     `json:"batch_id"`
	Farmer     string     `json:"farmer"`
	PlantType  string     `json:"plant_type"`
	QuantityKg float64    `json:"quantity_kg"`
	Location   string     `json:"location"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := domain.BatchID(strings.TrimSpace(req.BatchID))
	harvest := domain.HarvestEvent{
		Farmer:     req.Farmer,
		PlantType:  req.PlantType,
		QuantityKg: req.QuantityKg,
		Location:   req.Location,
		Timestamp:  h.timestamp(req.Timestamp),
	}
	event, res, err := h.Service.RegisterBatch(r.Context(), id, harvest)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch_id": id, "event": event, "violations": violations(res)})
}

type labTestRequest struct {
	TestType  string     `json:"test_type"`
	Result    string     `json:"result"`
	LabID     string     `json:"lab_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (h *Handler) handleLabTest(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	var req labTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	event, res, err := h.Service.AppendLabTest(r.Context(), id, domain.LabTestEvent{
		TestType:  req.TestType,
		Result:    req.Result,
		LabID:     req.LabID,
		Timestamp: h.timestamp(req.Timestamp),
	})
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": event, "violations": violations(res)})
}

type processingRequest struct {
	StepType    string     `json:"step_type"`
	Processor   string     `json:"processor"`
	Description string     `json:"description"`
	Temperature *float64   `json:"temperature,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func (h *Handler) handleProcessing(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	var req processingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	event := domain.ProcessingStepEvent{
		StepType:    req.StepType,
		Processor:   req.Processor,
		Description: req.Description,
		Temperature: req.Temperature,
		Timestamp:   h.timestamp(req.Timestamp),
	}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", req.Duration))
			return
		}
		event.Duration = &d
	}
	stored, res, err := h.Service.AppendProcessingStep(r.Context(), id, event)
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": stored, "violations": violations(res)})
}

type transportRequest struct {
	FromLocation  string     `json:"from_location"`
	ToLocation    string     `json:"to_location"`
	TransporterID string     `json:"transporter_id"`
	VehicleID     *string    `json:"vehicle_id,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

func (h *Handler) handleTransport(w http.ResponseWriter, r *http.Request, id domain.BatchID) {
	var req transportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	stored, res, err := h.Service.AppendTransportEvent(r.Context(), id, domain.TransportEvent{
		FromLocation:  req.FromLocation,
		ToLocation:    req.ToLocation,
		TransporterID: req.TransporterID,
		VehicleID:     req.VehicleID,
		Timestamp:     h.timestamp(req.Timestamp),
	})
	if err != nil {
		h.fail(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": stored, "violations": violations(res)})
}

// handleDecode accepts either a JSON `{"payload": ...}` body or a raw PNG/JPEG
// image containing a code.
func (h *Handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	var payload string
	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxImage))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read image")
			return
		}
		payload, err = codec.NewImageReader().ReadBytes(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "no code found in image")
			return
		}
	} else {
		var req struct {
			Payload string `json:"payload"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		payload = req.Payload
	}
	id, err := codec.Decode(payload)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id})
}

func (h *Handler) timestamp(ts *time.Time) time.Time {
	if ts == nil || ts.IsZero() {
		return h.Service.Now()
	}
	return ts.UTC()
}

func (h *Handler) fail(w http.ResponseWriter, id domain.BatchID, err error) {
	var ruleErr domain.RuleViolationError
	switch {
	case errors.As(err, &ruleErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "violations": ruleErr.Result.Violations})
	case errors.Is(err, domain.ErrDuplicateBatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownBatch):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEmptyIdentifier),
		errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrInvalidPayloadFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		if h.Logger != nil {
			h.Logger.Error("batch request failed", "batch_id", string(id), "error", err)
		}
		writeError(w, http.StatusInternalServerError, core.NoticeFor(id, err).Description)
	}
}

func violations(res domain.Result) []domain.Violation {
	if res.Violations == nil {
		return []domain.Violation{}
	}
	return res.Violations
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
