package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/evochora/pipeline/internal/orchestrate"
	"github.com/evochora/pipeline/internal/resource"
)

type handlers struct {
	registry  *orchestrate.Registry
	startedAt time.Time
}

// healthzResponse mirrors the teacher's HealthResponse shape, with
// Providers replaced by the resource model's Resources.
type healthzResponse struct {
	Status    string                      `json:"status"`
	Timestamp time.Time                   `json:"timestamp"`
	Uptime    string                      `json:"uptime"`
	System    systemInfo                  `json:"system"`
	Resources map[string]resourceSnapshot `json:"resources"`
}

type systemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocBytes uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

type resourceSnapshot struct {
	Name    string                 `json:"name"`
	Healthy bool                   `json:"healthy"`
	Errors  []resource.ErrorRecord `json:"recent_errors,omitempty"`
	Metrics map[string]float64     `json:"metrics"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	instances := h.registry.Instances()

	status := "healthy"
	snapshots := make(map[string]resourceSnapshot, len(instances))
	for name, res := range instances {
		healthy := res.IsHealthy()
		if !healthy {
			status = "degraded"
		}
		snapshots[name] = resourceSnapshot{
			Name:    name,
			Healthy: healthy,
			Errors:  res.Errors(),
			Metrics: res.Metrics(),
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := healthzResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		System: systemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAllocBytes: mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Resources: snapshots,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *handlers) resourceList(w http.ResponseWriter, r *http.Request) {
	instances := h.registry.Instances()
	out := make(map[string]resourceSnapshot, len(instances))
	for name, res := range instances {
		out[name] = resourceSnapshot{
			Name:    name,
			Healthy: res.IsHealthy(),
			Errors:  res.Errors(),
			Metrics: res.Metrics(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *handlers) resourceByName(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	res, ok := h.registry.Instances()[name]
	if !ok {
		http.Error(w, "resource not found", http.StatusNotFound)
		return
	}
	snap := resourceSnapshot{
		Name:    name,
		Healthy: res.IsHealthy(),
		Errors:  res.Errors(),
		Metrics: res.Metrics(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
