package capture

import (
	"context"
	"errors"
)

type Kind string

const (
	KindLoopback   Kind = "tab_or_system_loopback"
	KindMicrophone Kind = "microphone"
	KindRemotePeer Kind = "remote_peer"
)

type Surface string

const (
	SurfaceTab        Surface = "tab"
	SurfaceDesktop    Surface = "desktop"
	SurfaceMicrophone Surface = "microphone"
)

func ParseSurface(s string) (Surface, error) {
	switch Surface(s) {
	case "", SurfaceTab:
		return SurfaceTab, nil
	case SurfaceDesktop:
		return SurfaceDesktop, nil
	default:
		return "", errors.New("unknown surface " + s)
	}
}

// Hint selects which acquisition modes a start request may use.
type Hint string

const (
	HintAuto      Hint = "auto"
	HintPrimary   Hint = "primary"
	HintAlternate Hint = "alternate"
)

func ParseHint(s string) (Hint, error) {
	switch Hint(s) {
	case "", HintAuto:
		return HintAuto, nil
	case HintPrimary, HintAlternate:
		return Hint(s), nil
	default:
		return "", errors.New("unknown capture mode " + s)
	}
}

// CaptureMode records which acquisition path produced a handle.
type CaptureMode string

const (
	ModePrimary   CaptureMode = "primary"
	ModeAlternate CaptureMode = "alternate"
)

type AcquireMode int

const (
	AcquireSilent AcquireMode = iota
	AcquireInteractive
)

func (m AcquireMode) String() string {
	if m == AcquireInteractive {
		return "interactive"
	}
	return "silent"
}

type Target struct {
	Surface Surface
	ID      string
}

type SourceSpec struct {
	Target Target
	Hint   Hint
}

type State string

const (
	StateLive  State = "live"
	StateEnded State = "ended"
)

// Track is a raw media source as delivered by the host. Frames carries
// interleaved int16 PCM; Done closes when the source ends for any reason.
type Track interface {
	ID() string
	SampleRate() int
	Channels() int
	Frames() <-chan []int16
	Done() <-chan struct{}
	Stop()
}

type Acquirer interface {
	RequestSource(ctx context.Context, target Target, mode AcquireMode) (Track, error)
}

// Anchor keeps a track flowing while nothing audible consumes it.
type Anchor interface {
	Anchor(track Track) (release func())
}

// RemoteTracks announces remote peer media as it appears.
type RemoteTracks interface {
	Subscribe(fn func(Track)) (unsubscribe func())
}

type NopAnchor struct{}

func (NopAnchor) Anchor(Track) func() { return func() {} }
