package capture

import (
	"context"
	"errors"
	"log/slog"

	"github.com/eleven-am/meeting-recorder/internal/shared"
)

var ErrMicrophoneUnavailable = errors.New("Microphone not available.")

type ManagerConfig struct {
	Acquirer   Acquirer
	Anchor     Anchor
	SampleRate int
	Log        *slog.Logger
}

type Manager struct {
	acquirer   Acquirer
	anchor     Anchor
	sampleRate int
	log        *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Anchor == nil {
		cfg.Anchor = NopAnchor{}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Manager{
		acquirer:   cfg.Acquirer,
		anchor:     cfg.Anchor,
		sampleRate: cfg.SampleRate,
		log:        cfg.Log.With("component", "capture_manager"),
	}
}

func (m *Manager) SampleRate() int { return m.sampleRate }

func modesFor(hint Hint) []AcquireMode {
	switch hint {
	case HintPrimary:
		return []AcquireMode{AcquireSilent}
	case HintAlternate:
		return []AcquireMode{AcquireInteractive}
	default:
		return []AcquireMode{AcquireSilent, AcquireInteractive}
	}
}

// Acquire obtains the primary loopback source for spec. Silent capture of
// the exact target is tried first; the interactive picker is the fallback
// unless the hint pins one mode.
func (m *Manager) Acquire(ctx context.Context, spec SourceSpec) (*Handle, error) {
	if m.acquirer == nil {
		return nil, &shared.AcquisitionError{Source: string(spec.Target.Surface), Err: errors.New("no acquirer configured")}
	}

	var errs []error
	for _, mode := range modesFor(spec.Hint) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		track, err := m.acquirer.RequestSource(ctx, spec.Target, mode)
		if err != nil {
			m.log.Warn("source request failed",
				"surface", spec.Target.Surface,
				"target", spec.Target.ID,
				"mode", mode.String(),
				"error", err)
			errs = append(errs, err)
			continue
		}

		captureMode := ModePrimary
		if mode == AcquireInteractive {
			captureMode = ModeAlternate
		}

		h := newHandle(shared.NewID("src_"), KindLoopback, captureMode, track, m.sampleRate, true)
		h.setAnchor(m.anchor.Anchor(track))

		m.log.Info("source acquired",
			"handle_id", h.ID(),
			"surface", spec.Target.Surface,
			"capture_mode", captureMode)
		return h, nil
	}

	return nil, &shared.AcquisitionError{Source: string(spec.Target.Surface), Err: errors.Join(errs...)}
}

// AcquireMicrophone is best-effort; callers continue without it on error.
func (m *Manager) AcquireMicrophone(ctx context.Context) (*Handle, error) {
	if m.acquirer == nil {
		return nil, &shared.AcquisitionError{Source: string(SurfaceMicrophone), Err: ErrMicrophoneUnavailable}
	}

	track, err := m.acquirer.RequestSource(ctx, Target{Surface: SurfaceMicrophone}, AcquireSilent)
	if err != nil {
		m.log.Warn("microphone unavailable", "error", err)
		return nil, &shared.AcquisitionError{
			Source: string(SurfaceMicrophone),
			Err:    errors.Join(ErrMicrophoneUnavailable, err),
		}
	}

	h := newHandle(shared.NewID("src_"), KindMicrophone, ModePrimary, track, m.sampleRate, true)
	m.log.Info("microphone acquired", "handle_id", h.ID())
	return h, nil
}

// Adopt wraps a track owned elsewhere, such as remote peer audio. Releasing
// the handle detaches from the track without stopping it.
func (m *Manager) Adopt(track Track, kind Kind) *Handle {
	h := newHandle(shared.NewID("src_"), kind, ModePrimary, track, m.sampleRate, false)
	m.log.Info("track adopted", "handle_id", h.ID(), "track_id", track.ID(), "kind", kind)
	return h
}
