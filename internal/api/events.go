package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/stream"
)

const keepAliveInterval = 15 * time.Second

// streamEvents serves engine events as server-sent events. The optional
// type query parameter takes a comma-separated list of event types.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	var types []stream.EventType
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			t, ok := stream.ParseEventType(strings.TrimSpace(name))
			if !ok {
				s.writeErrorCode(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown event type %q", name))
				return
			}
			types = append(types, t)
		}
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := s.events.Subscribe(types...)
	defer s.events.Unsubscribe(sub)

	logger := logging.FromContext(r.Context())
	logger.Debug().Str("subscriber", sub.ID).Msg("Event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn().Err(err).Msg("Event stream cannot flush")
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Str("subscriber", sub.ID).Uint64("dropped", sub.Dropped()).Msg("Event stream closed")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
