package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
)

const (
	defaultStartTimeout = 3 * time.Second
	frameMillis         = 20
)

// Picker resolves a target to a device when silent capture is not possible,
// standing in for the host's interactive chooser.
type Picker interface {
	Pick(ctx context.Context, target Target) (string, error)
}

type StaticPicker string

func (p StaticPicker) Pick(_ context.Context, _ Target) (string, error) {
	if p == "" {
		return "", errors.New("no fallback source configured")
	}
	return string(p), nil
}

type FFmpegConfig struct {
	Binary           string
	InputFormat      string
	SampleRate       int
	MicrophoneDevice string
	Picker           Picker
	StartTimeout     time.Duration
	Log              *slog.Logger
}

// FFmpegAcquirer captures host audio devices through ffmpeg, reading
// s16le mono from its stdout.
type FFmpegAcquirer struct {
	cfg FFmpegConfig
	log *slog.Logger
}

func NewFFmpegAcquirer(cfg FFmpegConfig) *FFmpegAcquirer {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MicrophoneDevice == "" {
		cfg.MicrophoneDevice = "default"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &FFmpegAcquirer{cfg: cfg, log: cfg.Log.With("component", "ffmpeg_acquirer")}
}

func (a *FFmpegAcquirer) device(ctx context.Context, target Target, mode AcquireMode) (string, error) {
	if target.Surface == SurfaceMicrophone {
		return a.cfg.MicrophoneDevice, nil
	}
	if mode == AcquireInteractive {
		if a.cfg.Picker == nil {
			return "", errors.New("no picker configured")
		}
		return a.cfg.Picker.Pick(ctx, target)
	}
	if target.ID == "" {
		return "", fmt.Errorf("silent %s capture needs a source id", target.Surface)
	}
	return target.ID, nil
}

func (a *FFmpegAcquirer) args(device string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", a.cfg.InputFormat,
		"-i", device,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(a.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (a *FFmpegAcquirer) RequestSource(ctx context.Context, target Target, mode AcquireMode) (Track, error) {
	device, err := a.device(ctx, target, mode)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, a.cfg.Binary, a.args(device)...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	t := &ffmpegTrack{
		id:     device,
		rate:   a.cfg.SampleRate,
		frames: make(chan []int16, handleBufferFrames),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		t.read(stdout, audio.SamplesFor(a.cfg.SampleRate, frameMillis)*2)
		err := cmd.Wait()
		t.exit(err, strings.TrimSpace(stderr.String()))
	}()

	timer := time.NewTimer(a.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-t.ready:
		a.log.Debug("ffmpeg capture started", "device", device, "mode", mode.String())
		return t, nil
	case <-t.done:
		return nil, fmt.Errorf("ffmpeg capture of %s: %w", device, t.err())
	case <-timer.C:
		t.Stop()
		return nil, fmt.Errorf("ffmpeg capture of %s: no audio within %s", device, a.cfg.StartTimeout)
	case <-ctx.Done():
		t.Stop()
		return nil, ctx.Err()
	}
}

type ffmpegTrack struct {
	id     string
	rate   int
	frames chan []int16
	done   chan struct{}
	ready  chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	exitErr   error
	readyOnce sync.Once
	exitOnce  sync.Once
}

func (t *ffmpegTrack) ID() string             { return t.id }
func (t *ffmpegTrack) SampleRate() int        { return t.rate }
func (t *ffmpegTrack) Channels() int          { return 1 }
func (t *ffmpegTrack) Frames() <-chan []int16 { return t.frames }
func (t *ffmpegTrack) Done() <-chan struct{}  { return t.done }
func (t *ffmpegTrack) Stop()                  { t.cancel() }

func (t *ffmpegTrack) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr == nil {
		return errors.New("exited")
	}
	return t.exitErr
}

func (t *ffmpegTrack) read(r io.Reader, frameBytes int) {
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		t.readyOnce.Do(func() { close(t.ready) })
		select {
		case t.frames <- audio.PCMBytesToInt16(buf):
		case <-t.done:
			return
		default:
		}
	}
}

func (t *ffmpegTrack) exit(err error, stderr string) {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		if err != nil && stderr != "" {
			t.exitErr = fmt.Errorf("%w: %s", err, stderr)
		} else {
			t.exitErr = err
		}
		t.mu.Unlock()
		t.cancel()
		close(t.done)
	})
}
