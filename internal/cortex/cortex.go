// Package cortex assembles the control node: durable store, fleet
// registry, control-plane and observe websocket endpoints, admin API, and
// the background prune loop, all behind one HTTP listener.
package cortex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/synaptecs/neurofleet/internal/config"
	"github.com/synaptecs/neurofleet/internal/cortex/controlplane"
	"github.com/synaptecs/neurofleet/internal/cortex/fleetcache"
	"github.com/synaptecs/neurofleet/internal/cortex/gateway"
	"github.com/synaptecs/neurofleet/internal/cortex/observe"
	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/cortex/scheduler"
	"github.com/synaptecs/neurofleet/internal/cortex/seed"
	"github.com/synaptecs/neurofleet/internal/store"
)

// Cortex is the assembled control node.
type Cortex struct {
	cfg      config.CortexConfig
	store    *store.Store
	registry *registry.Registry
	tracker  *provision.Tracker
	bus      *observe.Bus
	control  *controlplane.Server
	router   *gin.Engine
}

// New builds the cortex. The fleet cache is best-effort: a load failure
// warns and starts cold rather than aborting.
func New(cfg config.CortexConfig) (*Cortex, error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open cortex store: %w", err)
	}

	reg := registry.New()
	tracker := provision.NewTracker()
	if _, err := fleetcache.Restore(st, reg, tracker); err != nil {
		log.Printf("cortex: fleet cache unusable, starting cold: %v", err)
	}

	bus := observe.NewBus(cfg.BusCapacity)
	control := controlplane.NewServer(reg, tracker, bus)

	catalog, err := seed.LoadCatalog(cfg.SeedCatalog)
	if err != nil {
		st.Close()
		return nil, err
	}
	if len(catalog.Models) > 0 {
		control.OnRegister = func(workerID string) {
			catalog.Bootstrap(workerID, control.SendProvisioning)
		}
	}

	sched := scheduler.NewFirstHealthy(reg, tracker)
	router := gateway.New(reg, tracker, control, sched).Router()
	router.GET("/control", gin.WrapH(control))
	router.GET("/observe", gin.WrapH(observe.NewServer(reg, tracker, bus)))

	return &Cortex{
		cfg:      cfg,
		store:    st,
		registry: reg,
		tracker:  tracker,
		bus:      bus,
		control:  control,
		router:   router,
	}, nil
}

// Run serves until ctx is cancelled, then drains sessions, snapshots the
// fleet, and shuts the listener down.
func (c *Cortex) Run(ctx context.Context) error {
	srv := &http.Server{Addr: c.cfg.ListenAddr, Handler: c.router}

	go c.control.RunPruneLoop(ctx, c.cfg.PruneInterval(), c.cfg.PruneTimeout())

	errc := make(chan error, 1)
	go func() {
		log.Printf("cortex: listening on %s", c.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		c.store.Close()
		return fmt.Errorf("cortex listener: %w", err)
	case <-ctx.Done():
	}

	log.Println("cortex: shutting down")
	c.control.Drain("cortex shutting down")

	if err := fleetcache.Save(c.store, c.registry, c.tracker, c.cfg.CacheFreshness()); err != nil {
		log.Printf("cortex: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("cortex: listener shutdown: %v", err)
	}

	if err := c.store.Close(); err != nil {
		log.Printf("cortex: close store: %v", err)
	}
	return nil
}
