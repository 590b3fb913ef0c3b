package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type RecordingStats struct {
	Active     int `json:"active"`
	LowLatency int `json:"low_latency"`
	Buffered   int `json:"buffered"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Recordings       RecordingStats `json:"recordings"`
	EventSubscribers int            `json:"event_subscribers"`
	RemotePeers      int            `json:"remote_peers"`
	Requests         RequestStats   `json:"requests"`
	Runtime          RuntimeStats   `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

type RecordingsResponse struct {
	Total      int              `json:"total"`
	Recordings []recording.Info `json:"recordings"`
}

type Recordings interface {
	List() []recording.Info
}

type Subscribers interface {
	Subscribers() int
}

type Peers interface {
	PeerCount() int
}

type Config struct {
	Redis      *redis.Client
	BackendURL string
	Client     *http.Client
	Recordings Recordings
	Events     Subscribers
	Peers      Peers
	Version    string
}

type Handler struct {
	cfg       Config
	startTime time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(cfg Config) *Handler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Handler{
		cfg:       cfg,
		startTime: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/recordings", h.Recordings)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	checks := map[string]check{"backend": h.checkBackend}
	if h.cfg.Redis != nil {
		checks["redis"] = h.checkRedis
	}
	components := runChecks(ctx, checks)
	overall := overallStatus(components)

	resp := HealthResponse{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Recordings:       h.recordingStats(),
			EventSubscribers: h.subscriberCount(),
			RemotePeers:      h.peerCount(),
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: readRuntime(),
		},
		Components: components,
	}

	code := http.StatusOK
	if overall == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

type check func(context.Context) (Status, string)

// runChecks runs every check concurrently and records its latency.
func runChecks(ctx context.Context, checks map[string]check) map[string]ComponentStatus {
	results := make(map[string]ComponentStatus, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			status, errMsg := fn(ctx)
			mu.Lock()
			results[name] = ComponentStatus{
				Status:    status,
				LatencyMs: time.Since(began).Milliseconds(),
				Error:     errMsg,
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func readRuntime() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const mb = 1 << 20
	return RuntimeStats{
		Goroutines:         runtime.NumGoroutine(),
		MemoryAllocMB:      m.Alloc / mb,
		MemoryTotalAllocMB: m.TotalAlloc / mb,
		MemorySysMB:        m.Sys / mb,
		NumGC:              m.NumGC,
	}
}

func (h *Handler) Recordings(c echo.Context) error {
	var infos []recording.Info
	if h.cfg.Recordings != nil {
		infos = h.cfg.Recordings.List()
	}
	if infos == nil {
		infos = []recording.Info{}
	}
	return c.JSON(http.StatusOK, RecordingsResponse{
		Total:      len(infos),
		Recordings: infos,
	})
}

func (h *Handler) recordingStats() RecordingStats {
	var stats RecordingStats
	if h.cfg.Recordings == nil {
		return stats
	}
	for _, info := range h.cfg.Recordings.List() {
		if info.Status != recording.StatusActive {
			continue
		}
		stats.Active++
		switch info.Transport {
		case recording.ModeLowLatency:
			stats.LowLatency++
		case recording.ModeBuffered:
			stats.Buffered++
		}
	}
	return stats
}

func (h *Handler) subscriberCount() int {
	if h.cfg.Events == nil {
		return 0
	}
	return h.cfg.Events.Subscribers()
}

func (h *Handler) peerCount() int {
	if h.cfg.Peers == nil {
		return 0
	}
	return h.cfg.Peers.PeerCount()
}

func (h *Handler) checkRedis(ctx context.Context) (Status, string) {
	if err := h.cfg.Redis.Ping(ctx).Err(); err != nil {
		return StatusUnhealthy, "ping failed"
	}
	return StatusHealthy, ""
}

// checkBackend treats any HTTP answer as reachable; 5xx only degrades.
func (h *Handler) checkBackend(ctx context.Context) (Status, string) {
	if h.cfg.BackendURL == "" {
		return StatusUnhealthy, "backend url not configured"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.cfg.BackendURL, nil)
	if err != nil {
		return StatusUnhealthy, "invalid backend url"
	}
	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return StatusUnhealthy, "unreachable"
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return StatusDegraded, ""
	}
	return StatusHealthy, ""
}

// overallStatus fails readiness only when the backend is down. Redis just
// mirrors status, so losing it degrades.
func overallStatus(components map[string]ComponentStatus) Status {
	if c, ok := components["backend"]; ok && c.Status == StatusUnhealthy {
		return StatusUnhealthy
	}
	for _, c := range components {
		if c.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
