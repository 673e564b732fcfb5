// Package session runs the worker side of the control-plane session: the
// outward websocket connection to the cortex, the registration handshake,
// the heartbeat cadence, command dispatch into the provisioning runtime,
// and the reconnect-with-backoff supervision loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synaptecs/neurofleet/internal/protocol"
	"github.com/synaptecs/neurofleet/internal/worker/runtime"
)

const outboxCapacity = 256

// Conn is the message-framed transport a session runs on. gorilla's
// *websocket.Conn satisfies it; tests inject their own.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to the cortex control endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the session parameters for one worker.
type Config struct {
	// CortexURL is the cortex control-plane websocket endpoint.
	CortexURL string
	// Descriptor is announced in the Register frame.
	Descriptor protocol.WorkerDescriptor

	HeartbeatInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration

	// Dial and Sleep are overridable for tests; nil selects the defaults.
	Dial  Dialer
	Sleep func(ctx context.Context, d time.Duration)
}

// Client supervises the session lifecycle for one worker process.
type Client struct {
	cfg     Config
	runtime *runtime.Manager
	metrics func() json.RawMessage
}

// New builds a session client. metrics may be nil, in which case
// heartbeats carry no utilisation payload.
func New(cfg Config, rt *runtime.Manager, metrics func() json.RawMessage) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	return &Client{cfg: cfg, runtime: rt, metrics: metrics}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run connects to the cortex and keeps reconnecting until ctx is
// cancelled. Session errors are never fatal: every failure path leads
// back through the backoff ladder. The ladder resets once a session
// reaches Active (register frame sent), so a flapping cortex still sees
// increasing delays while a healthy one gets prompt reconnects.
func (c *Client) Run(ctx context.Context) error {
	backoff := Backoff{Initial: c.cfg.BackoffInitial, Max: c.cfg.BackoffMax}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.cfg.Dial(ctx, c.cfg.CortexURL)
		if err != nil {
			delay := backoff.Next()
			log.Printf("session: connect to %s failed: %v (retrying in %s)", c.cfg.CortexURL, err, delay)
			c.cfg.Sleep(ctx, delay)
			continue
		}

		active, err := c.runSession(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if active {
			backoff.Reset()
		}

		delay := backoff.Next()
		log.Printf("session: disconnected from cortex: %v (reconnecting in %s)", err, delay)
		c.cfg.Sleep(ctx, delay)
	}
}

// runSession drives one connection from Registering through Active until
// it errors or ctx is cancelled. The returned bool reports whether the
// session reached Active (the register frame was written).
func (c *Client) runSession(ctx context.Context, conn Conn) (bool, error) {
	defer conn.Close()

	// Register immediately; a send failure here is a connection failure,
	// not a protocol failure.
	register := protocol.WorkerMessage{Kind: protocol.KindRegister, Worker: &c.cfg.Descriptor}
	if err := writeFrame(conn, register); err != nil {
		return false, fmt.Errorf("send register: %w", err)
	}
	log.Printf("session: registered with cortex as %q", c.cfg.Descriptor.ID)

	out := newOutbox(outboxCapacity)
	defer out.close()

	// The writer goroutine owns the transport's send side from here on.
	writerDone := make(chan error, 1)
	go func() { writerDone <- c.drainOutbox(conn, out) }()

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	go c.heartbeatLoop(sessionCtx, out)

	// Shutdown watcher: on process termination, flush a Shutdown notice
	// through the queue before the transport closes.
	go func() {
		select {
		case <-ctx.Done():
			out.put(protocol.WorkerMessage{
				Kind:     protocol.KindShutdown,
				WorkerID: c.cfg.Descriptor.ID,
				Reason:   "worker shutting down",
			})
			out.close()
		case <-sessionCtx.Done():
		}
	}()

	err := c.readLoop(conn, out)
	endSession()
	out.close()

	// Collect the writer so its flush (and close frame) completes before
	// the deferred conn.Close tears the transport down.
	if writeErr := <-writerDone; err == nil {
		err = writeErr
	}
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}

// readLoop parses inbound frames and dispatches them synchronously to the
// provisioning runtime, enqueueing each resulting response.
func (c *Client) readLoop(conn Conn, out *outbox) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.ParseCortexMessage(data)
		if err != nil {
			return fmt.Errorf("malformed cortex frame: %w", err)
		}

		switch msg.Kind {
		case protocol.KindProvisioning:
			if msg.Command == nil {
				log.Printf("session: provisioning frame without command, ignoring")
				continue
			}
			resp := c.runtime.Apply(*msg.Command)
			out.put(protocol.WorkerMessage{
				Kind:     protocol.KindProvisioningResponse,
				WorkerID: c.cfg.Descriptor.ID,
				Response: &resp,
			})
		case protocol.KindRequestCapabilities:
			// Re-announce the descriptor; the cortex treats it as a
			// metadata refresh.
			out.put(protocol.WorkerMessage{Kind: protocol.KindRegister, Worker: &c.cfg.Descriptor})
		case protocol.KindShutdownNotice:
			log.Printf("session: cortex announced shutdown: %s", msg.Reason)
			return errors.New("cortex shutting down")
		default:
			log.Printf("session: ignoring unexpected frame kind %q", msg.Kind)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, out *outbox) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.WorkerMessage{Kind: protocol.KindHeartbeat, WorkerID: c.cfg.Descriptor.ID}
			if c.metrics != nil {
				hb.Metrics = c.metrics()
			}
			out.put(hb)
		}
	}
}

// drainOutbox writes queued frames in order until the outbox closes or a
// write fails. On clean close it sends a websocket close frame so the
// cortex sees a graceful disconnect.
func (c *Client) drainOutbox(conn Conn, out *outbox) error {
	for {
		msg, ok := out.pop()
		if !ok {
			break
		}
		if err := writeFrame(conn, msg); err != nil {
			// Unblock the reader; the session is over.
			_ = conn.Close()
			return err
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	// Closing here unblocks the reader even if the cortex never answers
	// the close frame.
	_ = conn.Close()
	return nil
}

func writeFrame(conn Conn, msg protocol.WorkerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msg.Kind, err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
