package webmonitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fbn/imgrec/overlay-server/internal/logger"
)

const sseKeepalive = 30 * time.Second

// streamEventsFromChannel streams pre-serialized events to an SSE client until
// the channel closes or the client goes away. initial, if not nil, is sent first.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, source string, initial *SerializedEvent, eventCh <-chan *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Add custom header to indicate format
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if initial != nil {
		if err := send(initial); err != nil {
			logger.Debug(source, "Client disconnected during initial write: %v", err)
			return
		}
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				// Channel closed, client should disconnect
				return
			}
			if err := send(event); err != nil {
				logger.Debug(source, "Client disconnected during event write: %v", err)
				return
			}

		case <-keepalive.C:
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug(source, "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
