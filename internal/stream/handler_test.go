package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(reg *Registry) *chi.Mux {
	h := NewHandler(reg, "copy", testLogger(), nil)
	r := chi.NewRouter()
	r.Get("/", h.Index)
	r.Get("/play", h.Play)
	r.Get("/streams", h.Streams)
	r.Get("/healthz", h.Healthz)
	return r
}

func TestHandler_Index(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `action="/play"`) {
		t.Error("landing page must submit to /play")
	}
	if runner.startCount() != 0 {
		t.Error("landing page must not start a process")
	}
}

func TestHandler_Play_streams_media(t *testing.T) {
	runner := &fakeRunner{exiting: true}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	req := httptest.NewRequest(http.MethodGet, "/play?url=rtp://239.0.0.1:5000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("content type = %q", ct)
	}
	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("missing CORS header, got %q", cors)
	}
	if !strings.Contains(rec.Body.String(), "tsdata") {
		t.Errorf("body missing transcoded data: %q", rec.Body.String())
	}
}

func TestHandler_Play_missing_url(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	req := httptest.NewRequest(http.MethodGet, "/play", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if runner.startCount() != 0 {
		t.Error("no process may be started for a rejected request")
	}
}

func TestHandler_Play_start_failure(t *testing.T) {
	runner := &fakeRunner{failErr: errors.New("exec: executable file not found")}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	req := httptest.NewRequest(http.MethodGet, "/play?url=rtp://bad", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}

	// The failed key never shows up in the snapshot.
	req2 := httptest.NewRequest(http.MethodGet, "/streams", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	var snap struct {
		Streams []StreamInfo `json:"streams"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Streams) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap.Streams)
	}
}

func TestHandler_Play_capacity(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.MaxStreams = 1
	reg := NewRegistry(runner, cfg, testLogger(), nil)
	r := newTestRouter(reg)

	key := StreamKey{Source: "rtp://held", Profile: "copy"}
	h, c, err := reg.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Release(h, c)

	req := httptest.NewRequest(http.MethodGet, "/play?url=rtp://other", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at capacity, got %d", rec.Code)
	}
}

func TestHandler_Streams_snapshot(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	key := StreamKey{Source: "rtp://cam1", Profile: "copy"}
	h, c, err := reg.Acquire(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Release(h, c)

	req := httptest.NewRequest(http.MethodGet, "/streams", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap struct {
		Streams []StreamInfo `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(snap.Streams))
	}
	got := snap.Streams[0]
	if got.Source != "rtp://cam1" || got.State != "running" || got.Consumers != 1 {
		t.Errorf("unexpected snapshot entry: %+v", got)
	}
}

func TestHandler_Healthz(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(runner, testConfig(), testLogger(), nil)
	r := newTestRouter(reg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
