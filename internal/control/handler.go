package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/dto"
	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/labstack/echo/v4"
)

const peerAnswerTimeout = 10 * time.Second

type Registry interface {
	Start(ctx context.Context, sourceID string, params recording.Params) (recording.Info, error)
	Stop(ctx context.Context, sourceID string) (recording.Result, error)
	StopAll(ctx context.Context) []recording.Result
	Info(sourceID string) (recording.Info, bool)
	List() []recording.Info
}

type PeerAcceptor interface {
	Accept(ctx context.Context, offer string) (peerID, answer string, err error)
}

// Handler is the command surface: start and stop recordings, inspect them,
// and hand remote peer offers to the capture layer.
type Handler struct {
	registry Registry
	peers    PeerAcceptor
	logger   *slog.Logger
}

func NewHandler(registry Registry, peers PeerAcceptor, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		peers:    peers,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/recordings/start", h.Start)
	g.POST("/recordings/stop", h.Stop)
	g.GET("/recordings", h.List)
	g.GET("/recordings/:source_id", h.Get)
	g.POST("/peers/offer", h.Offer)
}

// Start begins recording a source. Starting a source that is already being
// recorded returns the existing recording.
func (h *Handler) Start(c echo.Context) error {
	var req dto.StartRecordingRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "Invalid request body")
	}

	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		return shared.BadRequest("source_id_required", "source_id is required")
	}

	surface, err := capture.ParseSurface(req.Surface)
	if err != nil {
		return shared.BadRequest("invalid_surface", err.Error())
	}
	hint, err := capture.ParseHint(req.Mode)
	if err != nil {
		return shared.BadRequest("invalid_mode", err.Error())
	}

	info, err := h.registry.Start(c.Request().Context(), sourceID, recording.Params{
		MeetingName: strings.TrimSpace(req.MeetingName),
		Surface:     surface,
		Hint:        hint,
	})
	if err != nil {
		var acqErr *shared.AcquisitionError
		if errors.As(err, &acqErr) {
			return shared.Unprocessable("acquisition_failed", err.Error())
		}
		h.logger.Error("failed to start recording", "error", err, "source_id", sourceID)
		return shared.InternalError("start_failed", "failed to start recording")
	}

	return c.JSON(http.StatusOK, dto.RecordingResponse{Recording: info})
}

// Stop stops one recording, or all of them when no source is named.
func (h *Handler) Stop(c echo.Context) error {
	var req dto.StopRecordingRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "Invalid request body")
	}

	ctx := c.Request().Context()
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		return c.JSON(http.StatusOK, dto.StopRecordingResponse{Results: h.registry.StopAll(ctx)})
	}

	res, err := h.registry.Stop(ctx, sourceID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.NotFound("recording_not_found", "no recording for source")
	}
	if err != nil {
		h.logger.Error("failed to stop recording", "error", err, "source_id", sourceID)
		return shared.InternalError("stop_failed", "failed to stop recording")
	}

	return c.JSON(http.StatusOK, dto.StopRecordingResponse{Results: []recording.Result{res}})
}

func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, dto.RecordingListResponse{Recordings: h.registry.List()})
}

func (h *Handler) Get(c echo.Context) error {
	info, ok := h.registry.Info(c.Param("source_id"))
	if !ok {
		return shared.NotFound("recording_not_found", "no recording for source")
	}
	return c.JSON(http.StatusOK, dto.RecordingResponse{Recording: info})
}

// Offer answers a remote peer's SDP offer. Audio tracks the peer sends are
// mixed into every active recording.
func (h *Handler) Offer(c echo.Context) error {
	if h.peers == nil {
		return shared.NotFound("peers_disabled", "remote peer capture is not enabled")
	}

	var req dto.PeerOfferRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "Invalid request body")
	}
	if strings.TrimSpace(req.SDP) == "" {
		return shared.BadRequest("sdp_required", "sdp is required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), peerAnswerTimeout)
	defer cancel()

	peerID, answer, err := h.peers.Accept(ctx, req.SDP)
	if err != nil {
		h.logger.Warn("peer offer rejected", "error", err)
		return shared.Unprocessable("invalid_offer", err.Error())
	}

	return c.JSON(http.StatusOK, dto.PeerAnswerResponse{PeerID: peerID, SDP: answer})
}
