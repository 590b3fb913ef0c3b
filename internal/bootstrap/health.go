package bootstrap

import (
	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/health"
	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(
	cfg *Config,
	redis *redis.Client,
	registry *recording.Registry,
	hub *events.Hub,
	peers *capture.PeerSource,
) *health.Handler {
	hc := health.Config{
		Redis:      redis,
		BackendURL: cfg.APIBaseURL,
		Recordings: registry,
		Events:     hub,
		Version:    version,
	}
	if peers != nil {
		hc.Peers = peers
	}
	return health.NewHandler(hc)
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
