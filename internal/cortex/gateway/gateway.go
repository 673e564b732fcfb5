// Package gateway is the cortex's operator-facing HTTP API: fleet
// listing, per-worker model status, provisioning dispatch, and a routing
// endpoint backed by the scheduler.
package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/synaptecs/neurofleet/internal/cortex/provision"
	"github.com/synaptecs/neurofleet/internal/cortex/registry"
	"github.com/synaptecs/neurofleet/internal/cortex/scheduler"
	"github.com/synaptecs/neurofleet/internal/protocol"
)

// Dispatcher sends a provisioning command to a worker's live session.
// The control-plane server satisfies it.
type Dispatcher interface {
	SendProvisioning(workerID string, cmd protocol.ProvisioningCommand) error
}

// Gateway wires the HTTP handlers to the cortex internals.
type Gateway struct {
	registry   *registry.Registry
	tracker    *provision.Tracker
	dispatcher Dispatcher
	scheduler  scheduler.Scheduler
}

func New(reg *registry.Registry, tracker *provision.Tracker, dispatcher Dispatcher, sched scheduler.Scheduler) *Gateway {
	return &Gateway{registry: reg, tracker: tracker, dispatcher: dispatcher, scheduler: sched}
}

// Router builds the gin engine with all routes registered.
func (g *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", g.handleHealthz)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/workers", g.handleListWorkers)
		v1.GET("/workers/:id/models", g.handleWorkerModels)
		v1.POST("/workers/:id/provision", g.handleProvision)
		v1.POST("/route", g.handleRoute)
	}
	return r
}

func (g *Gateway) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": g.registry.Count(),
	})
}

func (g *Gateway) handleListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": g.registry.List()})
}

func (g *Gateway) handleWorkerModels(c *gin.Context) {
	workerID := c.Param("id")
	if _, ok := g.registry.Get(workerID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id": workerID,
		"models":    g.tracker.ListForWorker(workerID),
	})
}

func (g *Gateway) handleProvision(c *gin.Context) {
	workerID := c.Param("id")

	var cmd protocol.ProvisioningCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command body"})
		return
	}
	if err := cmd.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := g.dispatcher.SendProvisioning(workerID, cmd); err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownWorker):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrNoSender):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"worker_id": workerID,
		"model_id":  cmd.TargetModel(),
		"op":        cmd.Op,
	})
}

type routeRequest struct {
	WorkloadClass scheduler.WorkloadClass `json:"workload_class"`
	ModelID       string                  `json:"model_id"`
}

func (g *Gateway) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route body"})
		return
	}
	if req.WorkloadClass == "" {
		req.WorkloadClass = scheduler.WorkloadInteractive
	}

	decision, err := g.scheduler.Route(req.WorkloadClass, req.ModelID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}
