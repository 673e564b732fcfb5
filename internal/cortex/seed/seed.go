// Package seed loads an optional model catalog from disk and pushes its
// configurations to each worker as it registers, so a fresh fleet comes up
// pre-configured without operator intervention.
package seed

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/synaptecs/neurofleet/internal/protocol"
)

// Catalog is a set of model configurations to bootstrap workers with.
type Catalog struct {
	Models []protocol.ModelConfig `json:"models"`
}

// LoadCatalog reads and validates a catalog file. An empty path yields an
// empty catalog; a missing file is an error, a misconfigured cortex should
// not come up silently unseeded.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed catalog: %w", err)
	}

	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse seed catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(catalog.Models))
	for _, cfg := range catalog.Models {
		if err := protocol.UpsertModelConfig(cfg).Validate(); err != nil {
			return nil, fmt.Errorf("seed catalog %s: %w", path, err)
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("seed catalog %s: duplicate model id %q", path, cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
	}

	log.Printf("seed: loaded %d model(s) from %s", len(catalog.Models), path)
	return &catalog, nil
}

// Bootstrap sends an upsert for every catalog model to the worker. Send
// failures are logged and skipped; the worker re-registers on reconnect
// and gets another chance.
func (c *Catalog) Bootstrap(workerID string, send func(workerID string, cmd protocol.ProvisioningCommand) error) {
	for _, cfg := range c.Models {
		if err := send(workerID, protocol.UpsertModelConfig(cfg)); err != nil {
			log.Printf("seed: bootstrap model %s on worker %s failed: %v", cfg.ID, workerID, err)
		}
	}
}
