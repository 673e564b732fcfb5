package observe

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
)

// StreamFrame is one observe-stream websocket frame: a snapshot on
// connect, then one frame per event.
type StreamFrame struct {
	Kind string `json:"kind"` // "snapshot" or "event"
	// Snapshot fields.
	Workers       []registry.WorkerView              `json:"workers,omitempty"`
	ModelStatuses map[string][]provision.ModelStatus `json:"model_statuses,omitempty"`
	// Event field.
	Event *Event `json:"event,omitempty"`
}

// Server streams fleet observations over a websocket endpoint. Each
// connection gets the current fleet snapshot followed by live events.
// Client frames are read only to detect disconnects.
type Server struct {
	registry *registry.Registry
	tracker  *provision.Tracker
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewServer(reg *registry.Registry, tracker *provision.Tracker, bus *Bus) *Server {
	return &Server{
		registry: reg,
		tracker:  tracker,
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("observe: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	// Subscribe before snapshotting so nothing published in between is
	// lost; an event may then both appear in the snapshot and arrive as
	// an event, which consumers must tolerate.
	sub := s.bus.Subscribe()
	defer sub.Close()

	snapshot := StreamFrame{
		Kind:          "snapshot",
		Workers:       s.registry.List(),
		ModelStatuses: s.tracker.Snapshot(),
	}
	if err := writeStreamFrame(conn, snapshot); err != nil {
		log.Printf("observe: send snapshot to %s failed: %v", r.RemoteAddr, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads are only for disconnect detection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := writeStreamFrame(conn, StreamFrame{Kind: "event", Event: &ev}); err != nil {
			log.Printf("observe: send event to %s failed: %v", r.RemoteAddr, err)
			return
		}
	}
}

func writeStreamFrame(conn *websocket.Conn, frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
