package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/platform/httpserver"
)

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleStreamEvents replays events after the `after` query (or the
// Last-Event-ID header) and then follows the live stream. Without either it
// starts at the current head.
func (api *deployerAPI) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("after")
	if strings.TrimSpace(raw) == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	after := api.reporter.LastSeq()
	if strings.TrimSpace(raw) != "" {
		parsed, ok := parseAfter(w, r, raw)
		if !ok {
			return
		}
		after = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.JSONError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := api.reporter.Subscribe(r.Context(), after)
	_ = writeSSE(w, "ready", "", map[string]any{
		"after":      after,
		"server_ts":  time.Now().UTC().Unix(),
		"request_id": r.Header.Get("X-Request-Id"),
	})

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				if r.Context().Err() == nil {
					_ = writeSSE(w, "error", "", map[string]any{"error": "subscriber_dropped"})
				}
				return
			}
			if err := writeSSE(w, string(ev.Kind), strconv.FormatInt(ev.Seq, 10), ev); err != nil {
				return
			}
		}
	}
}
