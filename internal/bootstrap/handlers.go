package bootstrap

import (
	"log/slog"

	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/control"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	ControlHandler *control.Handler
	StreamHandler  *events.StreamHandler
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")
	params.ControlHandler.RegisterRoutes(api)
	params.StreamHandler.RegisterRoutes(api)
}

func ProvideControlHandler(registry *recording.Registry, peers *capture.PeerSource, logger *slog.Logger) *control.Handler {
	var acceptor control.PeerAcceptor
	if peers != nil {
		acceptor = peers
	}
	return control.NewHandler(registry, acceptor, logger.With("handler", "control"))
}

func ProvideStreamHandler(hub *events.Hub, logger *slog.Logger) *events.StreamHandler {
	return events.NewStreamHandler(hub, logger.With("handler", "events"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideControlHandler,
		ProvideStreamHandler,
	),
	fx.Invoke(RegisterRoutes),
)
