package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/mstgnz/nativepay/infra/response"
)

const checkTimeout = 3 * time.Second

// Pinger is anything the health check can probe, e.g. the journal or OpenSearch.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a probed backend. A failing critical dependency makes the
// service unhealthy, any other failure only degrades it.
type Dependency struct {
	Name     string
	Pinger   Pinger
	Critical bool
}

// StatsFunc reports counters for one component, e.g. journal row counts or
// query cache hit ratio.
type StatsFunc func(ctx context.Context) (any, error)

type statsSource struct {
	name  string
	stats StatsFunc
}

// HealthHandler handles health check requests
type HealthHandler struct {
	version      string
	environment  string
	providerName string
	keyIDs       []string
	deps         []Dependency
	stats        []statsSource
	startTime    time.Time
}

// HealthStatus represents overall system health
type HealthStatus struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version"`
	Timestamp   time.Time                 `json:"timestamp"`
	Uptime      string                    `json:"uptime"`
	Environment string                    `json:"environment"`
	Gateway     *GatewayHealth            `json:"gateway"`
	Services    map[string]*ServiceHealth `json:"services"`
	System      *SystemHealth             `json:"system"`
	Details     map[string]any            `json:"details,omitempty"`
}

// GatewayHealth reports what the gateway client was configured with. No
// network call is made.
type GatewayHealth struct {
	Provider       string   `json:"provider"`
	PlatformKeyIDs []string `json:"platform_key_ids"`
}

// ServiceHealth represents one probed dependency
type ServiceHealth struct {
	Status       string `json:"status"`
	Healthy      bool   `json:"healthy"`
	Critical     bool   `json:"critical"`
	ResponseTime string `json:"response_time"`
	Error        string `json:"error,omitempty"`
}

// SystemHealth represents system resource health
type SystemHealth struct {
	Alloc      string `json:"alloc"`
	Sys        string `json:"sys"`
	GCRuns     uint32 `json:"gc_runs"`
	GoRoutines int    `json:"goroutines"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version, environment, providerName string, keyIDs []string, deps ...Dependency) *HealthHandler {
	ids := append([]string(nil), keyIDs...)
	sort.Strings(ids)
	return &HealthHandler{
		version:      version,
		environment:  environment,
		providerName: providerName,
		keyIDs:       ids,
		deps:         deps,
		startTime:    time.Now(),
	}
}

// WithStats adds a component whose counters are reported under details.
// A failing StatsFunc is reported inline and does not change the status.
func (h *HealthHandler) WithStats(name string, stats StatsFunc) *HealthHandler {
	h.stats = append(h.stats, statsSource{name: name, stats: stats})
	return h
}

// CheckHealth handles GET /health
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*checkTimeout)
	defer cancel()

	health := &HealthStatus{
		Version:     h.version,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Environment: h.environment,
		Gateway: &GatewayHealth{
			Provider:       h.providerName,
			PlatformKeyIDs: h.keyIDs,
		},
		Services: h.checkServices(ctx),
		System:   checkSystemHealth(),
		Details:  h.collectStats(ctx),
	}
	health.Status = h.determineOverallStatus(health)

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	response.WriteJSON(w, statusCode, response.Response{
		Code:    statusCode,
		Success: health.Status != "unhealthy",
		Message: fmt.Sprintf("Service is %s", health.Status),
		Data:    health,
	})
}

// checkServices probes every dependency concurrently
func (h *HealthHandler) checkServices(ctx context.Context) map[string]*ServiceHealth {
	services := make(map[string]*ServiceHealth, len(h.deps))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, dep := range h.deps {
		wg.Add(1)
		go func(dep Dependency) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := dep.Pinger.Ping(checkCtx)
			result := &ServiceHealth{
				Status:       "healthy",
				Healthy:      true,
				Critical:     dep.Critical,
				ResponseTime: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				result.Status = "unhealthy"
				result.Healthy = false
				result.Error = err.Error()
			}

			mu.Lock()
			services[dep.Name] = result
			mu.Unlock()
		}(dep)
	}
	wg.Wait()

	return services
}

func (h *HealthHandler) collectStats(ctx context.Context) map[string]any {
	if len(h.stats) == 0 {
		return nil
	}

	details := make(map[string]any, len(h.stats))
	for _, src := range h.stats {
		statsCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		stats, err := src.stats(statsCtx)
		cancel()
		if err != nil {
			details[src.name] = map[string]string{"error": err.Error()}
			continue
		}
		details[src.name] = stats
	}
	return details
}

// determineOverallStatus determines overall system status
func (h *HealthHandler) determineOverallStatus(health *HealthStatus) string {
	if len(h.keyIDs) == 0 {
		return "unhealthy"
	}

	status := "healthy"
	for _, svc := range health.Services {
		if svc.Healthy {
			continue
		}
		if svc.Critical {
			return "unhealthy"
		}
		status = "degraded"
	}
	return status
}

func checkSystemHealth() *SystemHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &SystemHealth{
		Alloc:      formatBytes(memStats.Alloc),
		Sys:        formatBytes(memStats.Sys),
		GCRuns:     memStats.NumGC,
		GoRoutines: runtime.NumGoroutine(),
	}
}

// formatBytes formats bytes into human readable format
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
