// Package worker assembles a neuron node: durable store, backend process
// supervisor, provisioning runtime, and the session client that keeps it
// connected to the cortex.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/synaptecs/neurofleet/internal/config"
	"github.com/synaptecs/neurofleet/internal/protocol"
	"github.com/synaptecs/neurofleet/internal/store"
	"github.com/synaptecs/neurofleet/internal/worker/runtime"
	"github.com/synaptecs/neurofleet/internal/worker/session"
	"github.com/synaptecs/neurofleet/internal/worker/stats"
	"github.com/synaptecs/neurofleet/internal/worker/supervisor"
)

// Run brings the worker up and keeps it connected until ctx is cancelled.
// A store that cannot be opened or replayed is an unrecoverable startup
// error; running with silently lost model configurations is worse than
// not starting.
func Run(ctx context.Context, cfg config.WorkerConfig) error {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open worker store: %w", err)
	}
	defer st.Close()

	sup := supervisor.New()
	rt, err := runtime.New(st, sup)
	if err != nil {
		return fmt.Errorf("hydrate model configurations: %w", err)
	}

	desc := protocol.WorkerDescriptor{
		ID:       cfg.ID,
		Label:    cfg.Label,
		Metadata: stats.DescribeHost(),
	}
	if desc.ID == "" {
		log.Println("worker: no stable id configured, joining anonymously")
	}

	client := session.New(session.Config{
		CortexURL:         cfg.CortexURL,
		Descriptor:        desc,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		BackoffInitial:    cfg.BackoffInitial(),
		BackoffMax:        cfg.BackoffMax(),
	}, rt, func() json.RawMessage {
		return stats.Collect(rt.LoadedCount())
	})

	err = client.Run(ctx)

	// Terminate backends and persist configurations before exiting.
	rt.Shutdown()
	return err
}
