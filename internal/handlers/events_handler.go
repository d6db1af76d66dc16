package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/gflowd/gflowd/internal/events"
)

// EventsHandler streams the event bus over a websocket for CLI clients that
// want push updates instead of polling GET /jobs, an addition beyond
// spec.md's plain REST surface (SPEC_FULL.md §4.6).
type EventsHandler struct {
	BaseHandler
	bus      *events.Bus
	upgrader websocket.Upgrader
}

func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

const wsWriteTimeout = 5 * time.Second

// Stream handles GET /events/ws, upgrading to a websocket and forwarding
// every bus event as JSON until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log.WithError(err).Warn("events: websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer sub.Close()

	for msg := range sub.C {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
