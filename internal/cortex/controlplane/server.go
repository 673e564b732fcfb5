// Package controlplane runs the cortex side of worker sessions: the
// websocket endpoint workers dial, the register handshake, per-connection
// reader and writer goroutines, and the background prune loop.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synaptecs/neurofleet/internal/cortex/observe"
	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Server accepts worker sessions and keeps the registry, the provisioning
// status cache, and the observation bus in sync with them.
type Server struct {
	registry *registry.Registry
	tracker  *provision.Tracker
	bus      *observe.Bus
	upgrader websocket.Upgrader

	// OnRegister, when set, runs after each successful registration of a
	// worker with a stable id (seed bootstrap hooks in here). Called from
	// the session's reader goroutine.
	OnRegister func(workerID string)

	mu       sync.Mutex
	sessions map[*workerSession]struct{}
	draining bool
}

func NewServer(reg *registry.Registry, tracker *provision.Tracker, bus *observe.Bus) *Server {
	return &Server{
		registry: reg,
		tracker:  tracker,
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[*workerSession]struct{}),
	}
}

type workerSession struct {
	conn     *websocket.Conn
	queue    *registry.SendQueue
	workerID string // empty for anonymous sessions
	label    string // session label for logs
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("controlplane: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.handleConn(conn)
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer conn.Close()

	// The first frame must be a register; anything else is a protocol
	// violation and tears the connection down.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("controlplane: session from %s ended before registering: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ParseWorkerMessage(data)
	if err != nil || msg.Kind != protocol.KindRegister || msg.Worker == nil {
		log.Printf("controlplane: session from %s sent invalid handshake, closing", conn.RemoteAddr())
		return
	}
	desc := *msg.Worker

	sess := &workerSession{
		conn:     conn,
		queue:    registry.NewSendQueue(),
		workerID: desc.ID,
		label:    desc.ID,
	}
	if sess.label == "" {
		// Anonymous workers participate in the session but are never
		// entered into the registry or addressed directly.
		sess.label = "anon-" + uuid.NewString()[:8]
	}

	if !s.admit(sess) {
		log.Printf("controlplane: refusing session %s, cortex is draining", sess.label)
		return
	}
	defer s.release(sess)

	if desc.ID != "" {
		if err := s.registerWorker(desc, sess.queue); err != nil {
			log.Printf("controlplane: register worker %q failed: %v", desc.ID, err)
			return
		}
		defer s.registry.DetachSender(desc.ID, sess.queue)
	}
	log.Printf("controlplane: session %s registered from %s", sess.label, conn.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, sess)
	}()

	err = s.readLoop(sess)
	if err != nil {
		log.Printf("controlplane: session %s ended: %v", sess.label, err)
	} else {
		log.Printf("controlplane: session %s ended", sess.label)
	}

	sess.queue.Close()
	cancel()
	<-writerDone
}

// registerWorker upserts the descriptor, attaches the session's queue,
// publishes the registration, and runs the bootstrap hook.
func (s *Server) registerWorker(desc protocol.WorkerDescriptor, q *registry.SendQueue) error {
	if err := s.registry.Upsert(desc); err != nil {
		return err
	}
	if err := s.registry.AttachSender(desc.ID, q); err != nil {
		return fmt.Errorf("attach sender: %w", err)
	}
	s.bus.Publish(observe.Event{Type: observe.EventWorkerRegistered, WorkerID: desc.ID})
	if s.OnRegister != nil {
		s.OnRegister(desc.ID)
	}
	return nil
}

// readLoop consumes worker frames until the connection drops, the worker
// announces shutdown, or it violates the protocol.
func (s *Server) readLoop(sess *workerSession) error {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		msg, err := protocol.ParseWorkerMessage(data)
		if err != nil {
			return fmt.Errorf("malformed worker frame: %w", err)
		}

		switch msg.Kind {
		case protocol.KindRegister:
			// Re-registration is a metadata refresh for the same worker.
			// It goes through the full register path so a session that
			// outlived a prune becomes addressable again.
			if msg.Worker == nil || msg.Worker.ID != sess.workerID {
				return errors.New("re-register with a different worker id")
			}
			if sess.workerID != "" {
				if err := s.registerWorker(*msg.Worker, sess.queue); err != nil {
					return err
				}
			}

		case protocol.KindHeartbeat:
			if msg.WorkerID != "" && msg.WorkerID == sess.workerID {
				s.registry.UpdateHeartbeat(msg.WorkerID, msg.Metrics)
				s.bus.Publish(observe.Event{Type: observe.EventHeartbeat, WorkerID: msg.WorkerID})
			}

		case protocol.KindProvisioningResponse:
			if msg.Response == nil {
				return errors.New("provisioning_response frame without response")
			}
			if sess.workerID != "" {
				s.tracker.Record(sess.workerID, *msg.Response)
			}
			s.bus.Publish(observe.Event{
				Type:     observe.EventProvisioningResponse,
				WorkerID: sess.workerID,
				Response: msg.Response,
			})

		case protocol.KindShutdown:
			log.Printf("controlplane: worker %s announced shutdown: %s", sess.label, msg.Reason)
			if sess.workerID != "" {
				s.removeWorker(sess.workerID)
			}
			return nil

		default:
			return fmt.Errorf("unexpected frame kind %q from worker", msg.Kind)
		}
	}
}

// writeLoop drains the session queue onto the wire. It owns the send side
// of the connection; closing the queue makes it send a close frame and
// tear the transport down, which also unblocks the reader.
func (s *Server) writeLoop(ctx context.Context, sess *workerSession) {
	for {
		msg, ok := sess.queue.Pop(ctx)
		if !ok {
			break
		}
		sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sess.conn.WriteJSON(msg); err != nil {
			log.Printf("controlplane: write to session %s failed: %v", sess.label, err)
			sess.conn.Close()
			return
		}
	}
	sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	sess.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
	sess.conn.Close()
}

// removeWorker drops a departed worker everywhere and publishes the
// removal.
func (s *Server) removeWorker(workerID string) {
	if s.registry.Remove(workerID) {
		s.tracker.Forget(workerID)
		s.bus.Publish(observe.Event{Type: observe.EventWorkerRemoved, WorkerID: workerID})
	}
}

// SendProvisioning validates cmd and queues it for the worker's live
// session, publishing the dispatch on success.
func (s *Server) SendProvisioning(workerID string, cmd protocol.ProvisioningCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := s.registry.Send(workerID, protocol.CortexMessage{Kind: protocol.KindProvisioning, Command: &cmd}); err != nil {
		return err
	}
	s.bus.Publish(observe.Event{
		Type:     observe.EventProvisioningSent,
		WorkerID: workerID,
		Command:  &cmd,
	})
	return nil
}

// RunPruneLoop evicts workers whose heartbeats have gone quiet, on a
// fixed cadence, until ctx is cancelled.
func (s *Server) RunPruneLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, workerID := range s.registry.PruneStale(timeout) {
				s.tracker.Forget(workerID)
				s.bus.Publish(observe.Event{Type: observe.EventWorkerRemoved, WorkerID: workerID})
			}
		}
	}
}

// Drain announces cortex shutdown to every live session and refuses new
// ones. Each session's queue is closed after the notice so the writer
// flushes it before the transport goes down.
func (s *Server) Drain(reason string) {
	s.mu.Lock()
	s.draining = true
	sessions := make([]*workerSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.queue.Push(protocol.CortexMessage{Kind: protocol.KindShutdownNotice, Reason: reason})
		sess.queue.Close()
	}
	log.Printf("controlplane: drained %d session(s): %s", len(sessions), reason)
}

func (s *Server) admit(sess *workerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) release(sess *workerSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
