package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/inquestlabs/inquest/runtime/events"
)

// streamSession serves the session's event log as Server-Sent Events. The
// since query parameter is the replay cursor: history from that index is
// replayed first, then live events are forwarded until the session settles
// with a trailing done event. A done event from an earlier turn does not end
// the stream, so replaying from zero tails a running follow-up turn.
// Heartbeat frames keep idle connections alive; they carry index -1 and are
// never part of the replayable log. Archived sessions replay their recorded
// events and close.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["id"]
	since := 0
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeInvalid(w, "since must be a non-negative integer")
			return
		}
		since = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, errorBody{Kind: kindInternal, Message: "streaming unsupported"})
		return
	}

	sess, live := s.registry.Get(id)
	if !live {
		rec, err := s.registry.GetRecord(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSSEHeaders(w)
		for _, evt := range rec.Events {
			if evt.Index < since {
				continue
			}
			writeFrame(w, evt)
		}
		flusher.Flush()
		return
	}

	writeSSEHeaders(w)
	history, sub := sess.Log().Subscribe(since)
	defer sub.Close()

	for i, evt := range history {
		writeFrame(w, evt)
		// A done event mid-history belongs to an earlier turn; the stream
		// ends only at the log's trailing done on a settled session.
		if evt.Type == events.TypeDone && i == len(history)-1 && sess.Status().Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	// Heartbeats are an idle timeout: the timer rearms after every delivered
	// frame so busy streams carry none.
	idle := time.NewTimer(s.heartbeat)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			writeFrame(w, events.Heartbeat())
			flusher.Flush()
			idle.Reset(s.heartbeat)
		case evt, ok := <-sub.C:
			if !ok {
				// Evicted for falling behind. The client reconnects with its
				// last seen index to resume.
				return
			}
			writeFrame(w, evt)
			flusher.Flush()
			if evt.Type == events.TypeDone {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.heartbeat)
		}
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// writeFrame emits one SSE frame. The frame id is the event index so
// Last-Event-ID style resumption maps directly onto the since parameter.
// Heartbeats carry no id: they are not replayable.
func writeFrame(w http.ResponseWriter, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if evt.Index >= 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Index)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
}
