package agentapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/zerotrust/overlay/internal/eventbus"
)

const streamKeepaliveInterval = 25 * time.Second

// handleEvents serves GET /api/v1/events: an unbounded NDJSON
// stream of events that could affect the caller's compiled plan, pushed as
// they are published on the bus after the subscription opens. The
// `since_id` query parameter is parsed but no backlog is replayed: events
// published before the request are not sent. A keepalive blank line is sent
// every 25s so intermediaries don't time out the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errNoFlush)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	sub := s.svc.Bus.Subscribe(planAffectingTypes...)
	defer sub.Unsubscribe()

	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)
	_ = sinceID // parsed only; this handler has no event-log access and replays nothing

	keepalive := time.NewTicker(streamKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var planAffectingTypes = []eventbus.Type{
	eventbus.TypeNodeApproved,
	eventbus.TypeNodeSuspended,
	eventbus.TypeNodeResumed,
	eventbus.TypeNodeRevoked,
	eventbus.TypePolicyChanged,
	eventbus.TypeClientDeviceEvent,
}

var errNoFlush = &flushUnsupportedError{}

type flushUnsupportedError struct{}

func (e *flushUnsupportedError) Error() string { return "agentapi: response writer does not support flushing" }
