package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/pkgdeck/pkg/engine"
	"github.com/openfroyo/pkgdeck/pkg/telemetry"
)

// streamBuffer is the per-client backlog; a client that falls further
// behind loses events and is expected to resync by polling.
const streamBuffer = 256

// eventFilter builds the subscription filter from ?job_id=, ?backend= and a
// comma separated ?type=.
func eventFilter(r *http.Request) telemetry.EventFilter {
	q := r.URL.Query()
	var filters []telemetry.EventFilter
	if id := q.Get("job_id"); id != "" {
		filters = append(filters, telemetry.FilterByJobID(id))
	}
	if backend := q.Get("backend"); backend != "" {
		filters = append(filters, telemetry.FilterByBackend(backend))
	}
	if types := q.Get("type"); types != "" {
		filters = append(filters, telemetry.FilterByType(strings.Split(types, ",")...))
	}
	return func(e telemetry.Event) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// handleEvents streams push events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, engine.NewManagerUnavailableError("", fmt.Errorf("event stream disabled")).
			WithMessage("event stream is not available"))
		return
	}
	rc := http.NewResponseController(w)

	ch := make(chan telemetry.Event, streamBuffer)
	id := s.events.Subscribe(func(e telemetry.Event) {
		select {
		case ch <- e:
		default:
			s.metrics.RecordEventDropped(e.Type)
		}
	}, eventFilter(r))
	defer s.events.Unsubscribe(id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Debug().Err(err).Msg("event stream cannot flush")
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn().Err(err).Str("type", e.Type).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
