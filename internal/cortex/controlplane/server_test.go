package controlplane

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"net/http/httptest"

	"github.com/synaptecs/neurofleet/internal/cortex/observe"
	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/protocol"
	"github.com/synaptecs/neurofleet/internal/store"
	"github.com/synaptecs/neurofleet/internal/worker/runtime"
	"github.com/synaptecs/neurofleet/internal/worker/session"
	"github.com/synaptecs/neurofleet/internal/worker/supervisor"
)

type fixture struct {
	registry *registry.Registry
	tracker  *provision.Tracker
	bus      *observe.Bus
	server   *Server
	httpSrv  *httptest.Server
	wsURL    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	tracker := provision.NewTracker()
	bus := observe.NewBus(256)
	srv := NewServer(reg, tracker, bus)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return &fixture{
		registry: reg,
		tracker:  tracker,
		bus:      bus,
		server:   srv,
		httpSrv:  httpSrv,
		wsURL:    "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

// startWorker runs a real worker session against the fixture's endpoint,
// backed by a runtime whose configured backends are plain sleep commands.
func (f *fixture) startWorker(t *testing.T, id string) context.CancelFunc {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sup := supervisor.New()
	t.Cleanup(sup.TerminateAll)

	rt, err := runtime.New(st, sup)
	require.NoError(t, err)

	client := session.New(session.Config{
		CortexURL:  f.wsURL,
		Descriptor: protocol.WorkerDescriptor{ID: id, Label: "test-" + id},
	}, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Log("worker session did not stop in time")
		}
	})
	return cancel
}

func (f *fixture) waitForWorker(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := f.registry.Get(id)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "worker %s never registered", id)
}

func TestRegisterUpsertLoadEndToEnd(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Close()

	f.startWorker(t, "w1")
	f.waitForWorker(t, "w1")

	v, _ := f.registry.Get("w1")
	assert.Equal(t, "test-w1", v.Descriptor.Label)
	assert.Equal(t, registry.HealthHealthy, v.Health)

	cfg := protocol.ModelConfig{ID: "m1", BackendKind: "llama_cpp", Command: "sleep", Args: []string{"60"}}
	require.NoError(t, f.server.SendProvisioning("w1", protocol.UpsertModelConfig(cfg)))
	require.Eventually(t, func() bool {
		statuses := f.tracker.ListForWorker("w1")
		return len(statuses) == 1 && statuses[0].Status == protocol.StatusOk
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.server.SendProvisioning("w1", protocol.LoadModel("m1")))
	require.Eventually(t, func() bool {
		statuses := f.tracker.ListForWorker("w1")
		return len(statuses) == 1 && strings.Contains(statuses[0].Message, "127.0.0.1:38000")
	}, 3*time.Second, 10*time.Millisecond, "load response with derived endpoint never arrived")

	// The bus saw the whole exchange in order.
	var types []observe.EventType
	deadline := time.After(3 * time.Second)
	for len(types) < 5 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, err := sub.Next(ctx)
		cancel()
		if err != nil {
			select {
			case <-deadline:
				t.Fatalf("timed out collecting events, got %v", types)
			default:
				continue
			}
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, observe.EventWorkerRegistered, types[0])
	assert.Contains(t, types, observe.EventProvisioningSent)
	assert.Contains(t, types, observe.EventProvisioningResponse)
}

func TestSendProvisioningErrors(t *testing.T) {
	f := newFixture(t)

	err := f.server.SendProvisioning("ghost", protocol.LoadModel("m1"))
	assert.ErrorIs(t, err, registry.ErrUnknownWorker)

	// Known worker, no live session.
	require.NoError(t, f.registry.Upsert(protocol.WorkerDescriptor{ID: "offline"}))
	err = f.server.SendProvisioning("offline", protocol.LoadModel("m1"))
	assert.ErrorIs(t, err, registry.ErrNoSender)

	// Invalid commands are rejected before dispatch.
	err = f.server.SendProvisioning("offline", protocol.ProvisioningCommand{Op: protocol.OpLoadModel})
	assert.Error(t, err)
}

func TestInvalidHandshakeTearsConnectionDown(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Heartbeat before register is a protocol violation.
	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{Kind: protocol.KindHeartbeat, WorkerID: "w1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server must close the connection")
	assert.Equal(t, 0, f.registry.Count())
}

func TestWorkerShutdownRemovesFromFleet(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Close()

	cancel := f.startWorker(t, "w1")
	f.waitForWorker(t, "w1")

	f.tracker.Record("w1", protocol.OkResponse("m1", "serving"))

	// Cancelling the worker flushes its shutdown notice to the cortex.
	cancel()
	require.Eventually(t, func() bool {
		_, ok := f.registry.Get("w1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond, "worker was not removed after announcing shutdown")
	assert.Empty(t, f.tracker.ListForWorker("w1"))

	var sawRemoval bool
	deadline := time.Now().Add(2 * time.Second)
	for !sawRemoval && time.Now().Before(deadline) {
		ctx, cancelNext := context.WithTimeout(context.Background(), 200*time.Millisecond)
		ev, err := sub.Next(ctx)
		cancelNext()
		if err == nil && ev.Type == observe.EventWorkerRemoved && ev.WorkerID == "w1" {
			sawRemoval = true
		}
	}
	assert.True(t, sawRemoval, "removal event was not published")
}

func TestAnonymousWorkerNeverEntersRegistry(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{
		Kind:   protocol.KindRegister,
		Worker: &protocol.WorkerDescriptor{Label: "no-stable-id"},
	}))

	// The session stays up (heartbeats are tolerated) but the fleet map
	// never grows.
	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{Kind: protocol.KindHeartbeat}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.registry.Count())
}

func TestPruneLeavesLiveTransportOpen(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{
		Kind:   protocol.KindRegister,
		Worker: &protocol.WorkerDescriptor{ID: "w1"},
	}))
	f.waitForWorker(t, "w1")

	require.Equal(t, []string{"w1"}, f.registry.PruneStale(0))

	// Eviction drops only the registry entry. The idle connection must
	// see no close frame, just our own read timeout.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "expected a local read timeout, got %v", err)

	// The surviving session re-registers and is addressable again.
	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{
		Kind:   protocol.KindRegister,
		Worker: &protocol.WorkerDescriptor{ID: "w1"},
	}))
	f.waitForWorker(t, "w1")
	require.Eventually(t, func() bool {
		return f.server.SendProvisioning("w1", protocol.LoadModel("m1")) == nil
	}, 2*time.Second, 10*time.Millisecond, "re-registration must re-attach the sender")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.CortexMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.KindProvisioning, msg.Kind)
}

func TestPruneLoopEvictsSilentWorkers(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Close()

	require.NoError(t, f.registry.Upsert(protocol.WorkerDescriptor{ID: "quiet"}))
	f.tracker.Record("quiet", protocol.OkResponse("m1", "serving"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.RunPruneLoop(ctx, 20*time.Millisecond, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.registry.Count() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.tracker.ListForWorker("quiet"))

	nextCtx, cancelNext := context.WithTimeout(context.Background(), time.Second)
	defer cancelNext()
	ev, err := sub.Next(nextCtx)
	require.NoError(t, err)
	assert.Equal(t, observe.EventWorkerRemoved, ev.Type)
	assert.Equal(t, "quiet", ev.WorkerID)
}

func TestDrainNotifiesSessions(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.WorkerMessage{
		Kind:   protocol.KindRegister,
		Worker: &protocol.WorkerDescriptor{ID: "w1"},
	}))
	f.waitForWorker(t, "w1")

	f.server.Drain("cortex restarting")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.CortexMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.KindShutdownNotice, msg.Kind)
	assert.Equal(t, "cortex restarting", msg.Reason)

	// New sessions are refused while draining.
	conn2, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, conn2.WriteJSON(protocol.WorkerMessage{
		Kind:   protocol.KindRegister,
		Worker: &protocol.WorkerDescriptor{ID: "w2"},
	}))
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn2.ReadMessage()
	assert.Error(t, err)
}
