package mixer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
)

const (
	UnityGain           = 1.0
	LoopbackMonitorGain = 0.8

	defaultFrameDuration = 20 * time.Millisecond
	defaultOutputFrames  = 64
	maxPendingSeconds    = 2
)

// Source is anything that yields mono frames at the bus rate.
type Source interface {
	ID() string
	Frames() <-chan []int16
}

// MonitorSink receives the attenuated mix for local playback.
type MonitorSink interface {
	WriteMonitor(frame []int16)
}

type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	TapSize       int
	OutputFrames  int
	Log           *slog.Logger
}

type input struct {
	source  Source
	gain    float64
	pending []int16
	stop    chan struct{}
}

// Bus sums connected sources at their gains into one signal. The output and
// the tap are fed from the same summed frame.
type Bus struct {
	sampleRate   int
	frameSamples int
	frameDur     time.Duration
	maxPending   int
	log          *slog.Logger

	mu          sync.Mutex
	inputs      map[string]*input
	monitor     MonitorSink
	monitorGain float64
	stopped     bool

	tap  *Tap
	out  chan []int16
	once sync.Once
}

func New(cfg Config) *Bus {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = defaultFrameDuration
	}
	if cfg.OutputFrames <= 0 {
		cfg.OutputFrames = defaultOutputFrames
	}
	if cfg.TapSize <= 0 {
		cfg.TapSize = audio.DefaultFFTSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Bus{
		sampleRate:   cfg.SampleRate,
		frameSamples: audio.SamplesFor(cfg.SampleRate, cfg.FrameDuration.Milliseconds()),
		frameDur:     cfg.FrameDuration,
		maxPending:   cfg.SampleRate * maxPendingSeconds,
		log:          cfg.Log.With("component", "mixer"),
		inputs:       make(map[string]*input),
		tap:          newTap(cfg.TapSize),
		out:          make(chan []int16, cfg.OutputFrames),
	}
}

func (b *Bus) SampleRate() int        { return b.sampleRate }
func (b *Bus) FrameSamples() int      { return b.frameSamples }
func (b *Bus) Tap() *Tap              { return b.tap }
func (b *Bus) Output() <-chan []int16 { return b.out }

// Connect adds src at gain. Connecting an already connected source updates
// its gain.
func (b *Bus) Connect(src Source, gain float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	if in, ok := b.inputs[src.ID()]; ok {
		in.gain = gain
		return
	}

	in := &input{source: src, gain: gain, stop: make(chan struct{})}
	b.inputs[src.ID()] = in
	go b.read(in)

	b.log.Debug("source connected", "source_id", src.ID(), "gain", gain)
}

// Disconnect removes src from the mix. The source itself keeps running.
func (b *Bus) Disconnect(src Source) {
	b.mu.Lock()
	in, ok := b.inputs[src.ID()]
	if ok {
		delete(b.inputs, src.ID())
		close(in.stop)
	}
	b.mu.Unlock()

	if ok {
		b.log.Debug("source disconnected", "source_id", src.ID())
	}
}

func (b *Bus) Inputs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs)
}

func (b *Bus) AttachMonitor(sink MonitorSink, gain float64) {
	b.mu.Lock()
	b.monitor = sink
	b.monitorGain = gain
	b.mu.Unlock()
}

func (b *Bus) read(in *input) {
	frames := in.source.Frames()
	for {
		select {
		case <-in.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				b.Disconnect(in.source)
				return
			}
			b.mu.Lock()
			in.pending = append(in.pending, frame...)
			if over := len(in.pending) - b.maxPending; over > 0 {
				in.pending = in.pending[over:]
			}
			b.mu.Unlock()
		}
	}
}

// Tick mixes one frame from whatever each source has delivered; missing
// audio counts as silence.
func (b *Bus) Tick() []int16 {
	sum := make([]float64, b.frameSamples)

	b.mu.Lock()
	for _, in := range b.inputs {
		n := len(in.pending)
		if n > b.frameSamples {
			n = b.frameSamples
		}
		for i := 0; i < n; i++ {
			sum[i] += float64(in.pending[i]) * in.gain
		}
		in.pending = in.pending[n:]
	}
	monitor, monitorGain := b.monitor, b.monitorGain
	b.mu.Unlock()

	frame := make([]int16, b.frameSamples)
	for i, v := range sum {
		frame[i] = audio.Clip(v)
	}

	b.tap.write(frame)

	if monitor != nil {
		scaled := make([]int16, len(frame))
		for i, s := range frame {
			scaled[i] = audio.Clip(float64(s) * monitorGain)
		}
		monitor.WriteMonitor(scaled)
	}
	return frame
}

// Run ticks at the frame duration until ctx ends, then closes Output.
func (b *Bus) Run(ctx context.Context) {
	defer b.stop()

	ticker := time.NewTicker(b.frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := b.Tick()
			select {
			case b.out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bus) stop() {
	b.once.Do(func() {
		b.mu.Lock()
		b.stopped = true
		for id, in := range b.inputs {
			close(in.stop)
			delete(b.inputs, id)
		}
		b.mu.Unlock()
		close(b.out)
	})
}

// Close stops a bus that was never run.
func (b *Bus) Close() {
	b.stop()
}
