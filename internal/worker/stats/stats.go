// Package stats collects the lightweight utilisation metrics a worker
// reports in its heartbeat frames. The payload is intentionally free-form
// JSON so the schema can grow without a protocol change.
package stats

import (
	"encoding/json"
	"log"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

type heartbeatMetrics struct {
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryTotal   uint64  `json:"memory_total,omitempty"`
	MemoryUsed    uint64  `json:"memory_used,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	LoadedModels  int     `json:"loaded_models"`
}

// Collect gathers a point-in-time metrics payload. Collection errors are
// logged and the affected fields omitted; a heartbeat with partial metrics
// beats no heartbeat at all.
func Collect(loadedModels int) json.RawMessage {
	m := heartbeatMetrics{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		LoadedModels: loadedModels,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	} else if err != nil {
		log.Printf("stats: cpu sample failed: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryTotal = vm.Total
		m.MemoryUsed = vm.Used
		m.MemoryPercent = vm.UsedPercent
	} else {
		log.Printf("stats: memory sample failed: %v", err)
	}

	if uptime, err := host.Uptime(); err == nil {
		m.UptimeSeconds = uptime
	}

	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("stats: marshal metrics failed: %v", err)
		return json.RawMessage(`{}`)
	}
	return data
}

// DescribeHost returns the opaque metadata blob a worker reports in its
// registration descriptor.
func DescribeHost() json.RawMessage {
	meta := map[string]any{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"num_cpu":  runtime.NumCPU(),
		"reported": time.Now().UTC().Format(time.RFC3339),
	}
	if info, err := host.Info(); err == nil {
		meta["hostname"] = info.Hostname
		meta["platform"] = info.Platform
		meta["kernel"] = info.KernelVersion
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
