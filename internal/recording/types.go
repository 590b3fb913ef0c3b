package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/mixer"
	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/transport"
	"github.com/eleven-am/meeting-recorder/internal/volume"
)

type Status string

const (
	StatusInit             Status = "init"
	StatusOpeningTransport Status = "opening_transport"
	StatusActive           Status = "active"
	StatusFinalizing       Status = "finalizing"
	StatusClosed           Status = "closed"
)

// TransportMode is the sub-state of an active session.
type TransportMode string

const (
	ModeNone       TransportMode = ""
	ModeLowLatency TransportMode = "low_latency"
	ModeBuffered   TransportMode = "buffered"
)

const (
	DefaultStopGrace       = 3 * time.Second
	DefaultFinalizeTimeout = 5 * time.Second
	DefaultQueueSize       = 32

	microphoneWarning = "Microphone not available."
)

type Params struct {
	MeetingName string
	Surface     capture.Surface
	Hint        capture.Hint
}

type Acquirer interface {
	Acquire(ctx context.Context, spec capture.SourceSpec) (*capture.Handle, error)
	AcquireMicrophone(ctx context.Context) (*capture.Handle, error)
	Adopt(track capture.Track, kind capture.Kind) *capture.Handle
	SampleRate() int
}

type Transports interface {
	LowLatency(onDegraded func(error)) transport.Channel
	Buffered() transport.Channel
}

type Finalizer interface {
	Finalize(ctx context.Context, sessionID string) error
}

type VolumeMonitor interface {
	Watch(sessionID string, tap volume.Tap)
	Unwatch(sessionID string)
}

type Config struct {
	Capture     Acquirer
	Remote      capture.RemoteTracks
	Transports  Transports
	Finalizer   Finalizer
	Monitor     VolumeMonitor
	MonitorSink mixer.MonitorSink
	Events      events.Sink
	Status      StatusStore

	LowLatencyCadence time.Duration
	BufferedCadence   time.Duration
	FrameDuration     time.Duration
	StopGrace         time.Duration
	FinalizeTimeout   time.Duration
	QueueSize         int

	// StreamEncoder encodes chunks for the socket, UploadEncoder for HTTP.
	StreamEncoder audio.EncoderFactory
	UploadEncoder audio.EncoderFactory

	Now func() time.Time
	Log *slog.Logger
}

func (c Config) normalize() Config {
	if c.LowLatencyCadence <= 0 {
		c.LowLatencyCadence = recorder.LowLatencyCadence
	}
	if c.BufferedCadence <= 0 {
		c.BufferedCadence = recorder.BufferedCadence
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.StreamEncoder == nil {
		c.StreamEncoder = audio.NewPCMEncoder
	}
	if c.UploadEncoder == nil {
		c.UploadEncoder = audio.NewWAVEncoder
	}
	if c.Events == nil {
		c.Events = events.Discard{}
	}
	if c.Monitor == nil {
		c.Monitor = nopMonitor{}
	}
	if c.Status == nil {
		c.Status = NopStatusStore{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

type nopMonitor struct{}

func (nopMonitor) Watch(string, volume.Tap) {}
func (nopMonitor) Unwatch(string)           {}

// Result is what a stop reports. Every stop of the same session returns the
// same value.
type Result struct {
	SessionID       string        `json:"session_id"`
	SourceID        string        `json:"source_id"`
	Status          Status        `json:"status"`
	Transport       TransportMode `json:"transport"`
	ChunksProduced  int           `json:"chunks_produced"`
	ChunksDelivered int           `json:"chunks_delivered"`
	ChunksDropped   int           `json:"chunks_dropped"`
	Duration        time.Duration `json:"duration"`
	Finalized       bool          `json:"finalized"`
}

type SourceInfo struct {
	ID          string              `json:"id"`
	Kind        capture.Kind        `json:"kind"`
	State       capture.State       `json:"state"`
	CaptureMode capture.CaptureMode `json:"capture_mode"`
}

type Info struct {
	SessionID      string              `json:"session_id"`
	SourceID       string              `json:"source_id"`
	MeetingName    string              `json:"meeting_name"`
	StartedAt      time.Time           `json:"started_at"`
	Status         Status              `json:"status"`
	Transport      TransportMode       `json:"transport"`
	CaptureMode    capture.CaptureMode `json:"capture_mode"`
	ChunkSequence  int                 `json:"chunk_sequence"`
	LastDelivered  int                 `json:"last_delivered"`
	SocketAttempts int                 `json:"socket_attempts"`
	Sources        []SourceInfo        `json:"sources"`
}
