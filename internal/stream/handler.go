package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"transcode-gateway/internal/platform/metrics"
)

const mediaContentType = "video/mp2t"

// indexPage is the browser landing page: a form that submits to /play.
// The gateway serves raw MPEG-TS, so instead of an embedded player the
// page points at players that speak it (VLC, ffplay, mpv).
const indexPage = `<!DOCTYPE html>
<html>
<head>
    <title>Transcode Gateway</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #0f0f13; color: #eee; margin: 0; padding: 20px; display: flex; flex-direction: column; align-items: center; min-height: 100vh; }
        .container { width: 100%; max-width: 800px; background: #1e1e24; padding: 20px; border-radius: 12px; }
        h2 { margin-top: 0; color: #fff; text-align: center; }
        input, select { width: 100%; padding: 12px; margin-bottom: 10px; border-radius: 6px; border: 1px solid #333; background: #2b2b36; color: white; box-sizing: border-box; }
        button { width: 100%; padding: 12px; cursor: pointer; background: #6c5ce7; color: white; border: none; border-radius: 6px; font-weight: bold; }
        button:hover { background: #5b4bc4; }
        .status { margin-top: 15px; font-size: 0.85em; color: #aaa; word-break: break-all; background: #25252b; padding: 10px; border-radius: 4px; }
    </style>
</head>
<body>
    <div class="container">
        <h2>Live Stream Transcode Gateway</h2>
        <form action="/play" method="get">
            <input type="text" name="url" placeholder="Source URL (rtp://, udp://, http://...)" required>
            <select name="profile">
                <option value="copy">copy (no re-encode)</option>
                <option value="720p">720p</option>
                <option value="480p">480p</option>
            </select>
            <button type="submit">Play</button>
        </form>
        <div class="status">
            The response is a continuous MPEG-TS stream. Open the /play URL
            in VLC, mpv, or ffplay; active streams are listed at /streams.
        </div>
    </div>
</body>
</html>
`

// Handler exposes the gateway's HTTP endpoints. It is deliberately thin:
// all lifecycle logic lives in Registry and Supervisor.
type Handler struct {
	registry       *Registry
	defaultProfile string
	log            *slog.Logger
	metrics        *metrics.Metrics
}

// NewHandler returns a Handler using the given Registry, default
// transcoding profile, Logger, and optional Metrics. Metrics may be nil
// to disable metric recording (e.g. in tests).
func NewHandler(registry *Registry, defaultProfile string, log *slog.Logger, m *metrics.Metrics) *Handler {
	if defaultProfile == "" {
		defaultProfile = "copy"
	}
	return &Handler{registry: registry, defaultProfile: defaultProfile, log: log, metrics: m}
}

// Index handles GET / with the landing page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(indexPage))
}

// Play handles GET /play?url=...&profile=... by attaching the client as a
// consumer of the (possibly already running) stream for that key and
// relaying transcoded MPEG-TS until the client disconnects or the stream
// ends. Release is guaranteed on every exit path.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("url")
	if source == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	profile := r.URL.Query().Get("profile")
	if profile == "" {
		profile = h.defaultProfile
	}
	key := StreamKey{Source: source, Profile: profile}

	handle, consumer, err := h.registry.Acquire(r.Context(), key)
	if err != nil {
		h.writeAcquireError(w, key, err)
		return
	}
	defer h.registry.Release(handle, consumer)

	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()

	for {
		select {
		case chunk, ok := <-consumer.Chunks():
			if !ok {
				if cerr := consumer.Err(); cerr != nil {
					h.log.Info("stream ended for consumer",
						slog.String("stream_id", key.ID()),
						slog.String("error", cerr.Error()))
				}
				return
			}
			if _, werr := w.Write(chunk); werr != nil {
				// This client went away mid-delivery; other consumers and
				// the process are unaffected.
				h.log.Debug("consumer write failed",
					slog.String("stream_id", key.ID()),
					slog.String("error", werr.Error()))
				return
			}
			if h.metrics != nil {
				h.metrics.AddRelayedBytes(len(chunk))
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Streams handles GET /streams with a JSON snapshot of the registry.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string][]StreamInfo{"streams": snap}); err != nil {
		h.log.Error("encode snapshot", slog.String("error", err.Error()))
	}
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) writeAcquireError(w http.ResponseWriter, key StreamKey, err error) {
	var startErr *StartError
	switch {
	case errors.Is(err, ErrCapacity):
		h.log.Warn("stream rejected at capacity", slog.String("source", key.Source))
		http.Error(w, "stream capacity reached", http.StatusServiceUnavailable)
	case errors.Is(err, ErrStreamDraining):
		http.Error(w, "stream is restarting, retry shortly", http.StatusServiceUnavailable)
	case errors.As(err, &startErr):
		h.log.Error("stream start failed",
			slog.String("source", key.Source),
			slog.String("error", err.Error()))
		http.Error(w, "failed to start transcoding", http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client gave up while waiting for readiness; nothing to send.
	default:
		h.log.Error("acquire failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
