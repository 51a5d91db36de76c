package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/capture"
	"github.com/valamuri2020/FYDP-2025-G55/shared/requestid"
)

// captureTimeHeader carries the camera's capture time: RFC 3339 or unix seconds.
const captureTimeHeader = "X-Capture-Time"

const defaultMaxCaptureBytes = 32 << 20

// jobQueue is the part of capture.Dispatcher the handlers use.
type jobQueue interface {
	Submit(capture.Job) error
	Stats() capture.Stats
}

type ingestAPI struct {
	jobs     jobQueue
	maxBytes int64
	now      func() time.Time
}

func (a *ingestAPI) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/captures", a.handleCapture)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	return requestid.Middleware(mux)
}

func (a *ingestAPI) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := requestid.FromContext(r.Context())
	received := a.now().UTC()

	capturedAt := received
	if h := r.Header.Get(captureTimeHeader); h != "" {
		t, err := parseCaptureTime(h)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		capturedAt = t
	}

	limit := a.maxBytes
	if limit <= 0 {
		limit = defaultMaxCaptureBytes
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("capture exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	err = a.jobs.Submit(capture.Job{ID: id, Data: data, CapturedAt: capturedAt, ReceivedAt: received})
	switch {
	case errors.Is(err, capture.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	slog.Info("capture accepted", "request_id", id, "bytes", len(data), "captured_at", capturedAt)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id":  id,
		"bytes":       len(data),
		"captured_at": capturedAt,
	})
}

func (a *ingestAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   a.jobs.Stats(),
	})
}

// parseCaptureTime accepts RFC 3339 or integer unix seconds.
func parseCaptureTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return time.Time{}, fmt.Errorf("%s must be positive", captureTimeHeader)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: want RFC 3339 or unix seconds, got %q", captureTimeHeader, s)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
