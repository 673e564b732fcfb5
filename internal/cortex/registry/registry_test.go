package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

func testRegistry(start time.Time) (*Registry, *time.Time) {
	r := New()
	clock := start
	r.now = func() time.Time { return clock }
	return r, &clock
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := New()

	desc := protocol.WorkerDescriptor{ID: "w1", Label: "first"}
	require.NoError(t, r.Upsert(desc))
	require.NoError(t, r.Upsert(desc))
	assert.Equal(t, 1, r.Count())

	// Re-registration refreshes the descriptor in place.
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1", Label: "renamed"}))
	v, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, "renamed", v.Descriptor.Label)
	assert.Equal(t, 1, r.Count())
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	r := New()
	assert.Error(t, r.Upsert(protocol.WorkerDescriptor{}))
	assert.Equal(t, 0, r.Count())
}

func TestSendErrors(t *testing.T) {
	r := New()

	err := r.Send("ghost", protocol.CortexMessage{Kind: protocol.KindRequestCapabilities})
	assert.ErrorIs(t, err, ErrUnknownWorker)

	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))
	err = r.Send("w1", protocol.CortexMessage{Kind: protocol.KindRequestCapabilities})
	assert.ErrorIs(t, err, ErrNoSender)
}

func TestSendDeliversThroughAttachedQueue(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))

	q := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", q))

	cmd := protocol.LoadModel("m1")
	require.NoError(t, r.Send("w1", protocol.CortexMessage{Kind: protocol.KindProvisioning, Command: &cmd}))

	msg, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, protocol.KindProvisioning, msg.Kind)
	require.NotNil(t, msg.Command)
	assert.Equal(t, "m1", msg.Command.ModelID)
}

func TestAttachSenderClosesSupersededQueue(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))

	old := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", old))
	fresh := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", fresh))

	assert.False(t, old.Push(protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}),
		"superseded queue must be closed")
	assert.True(t, fresh.Push(protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}))
}

func TestDetachSenderNeverClobbersNewerSession(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))

	old := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", old))
	fresh := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", fresh))

	// The old session detaching late must not remove the new sender.
	r.DetachSender("w1", old)
	assert.NoError(t, r.Send("w1", protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}))

	r.DetachSender("w1", fresh)
	assert.ErrorIs(t, r.Send("w1", protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}), ErrNoSender)
}

func TestHeartbeatRefreshAndHealth(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r, clock := testRegistry(start)

	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))

	v, _ := r.Get("w1")
	assert.Equal(t, HealthHealthy, v.Health)

	*clock = start.Add(45 * time.Second)
	v, _ = r.Get("w1")
	assert.Equal(t, HealthDegraded, v.Health)

	metrics := json.RawMessage(`{"cpu_percent":12.5}`)
	require.True(t, r.UpdateHeartbeat("w1", metrics))
	v, _ = r.Get("w1")
	assert.Equal(t, HealthHealthy, v.Health)
	assert.JSONEq(t, string(metrics), string(v.Metrics))

	*clock = start.Add(45*time.Second + 2*time.Minute)
	v, _ = r.Get("w1")
	assert.Equal(t, HealthStale, v.Health)

	assert.False(t, r.UpdateHeartbeat("ghost", nil))
}

func TestPruneStaleBoundary(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r, clock := testRegistry(start)

	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "old"}))
	*clock = start.Add(60 * time.Second)
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "fresh"}))

	*clock = start.Add(90 * time.Second)
	// "old" is exactly at the timeout: not strictly older, survives.
	assert.Empty(t, r.PruneStale(90*time.Second))

	*clock = start.Add(91 * time.Second)
	removed := r.PruneStale(90 * time.Second)
	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("old")
	assert.False(t, ok)
}

func TestPruneLeavesAttachedQueueOpen(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r, clock := testRegistry(start)

	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))
	q := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", q))

	*clock = start.Add(5 * time.Minute)
	require.Equal(t, []string{"w1"}, r.PruneStale(90*time.Second))

	// Eviction drops only the registry entry; the session's transport
	// stays up and its queue stays usable until the connection itself
	// ends.
	assert.True(t, q.Push(protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}),
		"prune must not close the live session queue")
	assert.ErrorIs(t, r.Send("w1", protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}),
		ErrUnknownWorker, "the pruned worker is no longer addressable")

	// The late-detaching session must not panic or resurrect the entry.
	r.DetachSender("w1", q)
	assert.Equal(t, 0, r.Count())
}

func TestRemoveClosesAttachedQueue(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1"}))
	q := NewSendQueue()
	require.NoError(t, r.AttachSender("w1", q))

	require.True(t, r.Remove("w1"))
	assert.False(t, q.Push(protocol.CortexMessage{Kind: protocol.KindRequestCapabilities}),
		"an announced departure tears the sender down")
}

func TestListSortedWithHealth(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "b"}))
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "a"}))
	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "c"}))

	views := r.List()
	require.Len(t, views, 3)
	assert.Equal(t, "a", views[0].Descriptor.ID)
	assert.Equal(t, "b", views[1].Descriptor.ID)
	assert.Equal(t, "c", views[2].Descriptor.ID)
	for _, v := range views {
		assert.Equal(t, HealthHealthy, v.Health)
	}
}

func TestSeedDoesNotOverwriteLiveEntry(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r, _ := testRegistry(start)

	require.NoError(t, r.Upsert(protocol.WorkerDescriptor{ID: "w1", Label: "live"}))
	r.Seed(protocol.WorkerDescriptor{ID: "w1", Label: "cached"}, start.Add(-time.Hour))
	r.Seed(protocol.WorkerDescriptor{ID: "w2", Label: "cached"}, start.Add(-time.Minute))

	v, _ := r.Get("w1")
	assert.Equal(t, "live", v.Descriptor.Label)
	v, ok := r.Get("w2")
	require.True(t, ok)
	assert.Equal(t, "cached", v.Descriptor.Label)
	assert.Equal(t, HealthStale, mustView(t, r, "w2").Health)
}

func mustView(t *testing.T, r *Registry, id string) WorkerView {
	t.Helper()
	v, ok := r.Get(id)
	require.True(t, ok)
	return v
}

func TestSendQueueOrderAndClose(t *testing.T) {
	q := NewSendQueue()
	for _, id := range []string{"m1", "m2", "m3"} {
		cmd := protocol.LoadModel(id)
		require.True(t, q.Push(protocol.CortexMessage{Kind: protocol.KindProvisioning, Command: &cmd}))
	}
	q.Close()

	// Close drains in order before reporting exhaustion.
	for _, want := range []string{"m1", "m2", "m3"} {
		msg, ok := q.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, msg.Command.ModelID)
	}
	_, ok := q.Pop(context.Background())
	assert.False(t, ok)
}

func TestSendQueuePopHonorsContext(t *testing.T) {
	q := NewSendQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}
