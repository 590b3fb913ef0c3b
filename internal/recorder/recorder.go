package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
	"github.com/eleven-am/meeting-recorder/internal/shared"
)

const (
	LowLatencyCadence = 1000 * time.Millisecond
	BufferedCadence   = 5000 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("recorder already started")

type Chunk struct {
	Seq         int
	Payload     []byte
	ContentType string
	Extension   string
	StartOffset time.Duration
	EndOffset   time.Duration
	Transport   string
	Final       bool
}

// Mode is the cadence, encoding and transport tag applied to chunks.
type Mode struct {
	Cadence   time.Duration
	Transport string
	Encoder   audio.EncoderFactory
}

type Config struct {
	SampleRate int
	OnChunk    func(Chunk)
	OnError    func(error)
	Log        *slog.Logger
}

// Recorder cuts a continuous signal into chunks on audio-time boundaries.
// Sequence numbers start at 1 and have no gaps.
type Recorder struct {
	sampleRate int
	onChunk    func(Chunk)
	onError    func(error)
	log        *slog.Logger

	mu      sync.Mutex
	mode    Mode
	enc     audio.Encoder
	started bool

	buf     []int16
	seq     int
	emitted int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
}

func New(cfg Config) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.OnChunk == nil {
		cfg.OnChunk = func(Chunk) {}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Recorder{
		sampleRate: cfg.SampleRate,
		onChunk:    cfg.OnChunk,
		onError:    cfg.OnError,
		log:        cfg.Log.With("component", "recorder"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start consumes signal until it closes or Stop is called.
func (r *Recorder) Start(signal <-chan []int16, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if mode.Encoder == nil {
		return &shared.RecordingError{Err: errors.New("no encoder")}
	}
	enc := mode.Encoder(r.sampleRate)
	if err := enc.Begin(); err != nil {
		return &shared.RecordingError{Err: fmt.Errorf("arm encoder: %w", err)}
	}

	r.mode = mode
	r.enc = enc
	r.started = true
	go r.run(signal)
	return nil
}

// SetMode switches cadence and encoding. Audio not yet emitted is carried
// into the next chunk under the new mode. Failing to arm the new encoder is
// reported as a RecordingError at once.
func (r *Recorder) SetMode(mode Mode) {
	r.mu.Lock()
	var armErr error
	if mode.Encoder != nil {
		r.enc = mode.Encoder(r.sampleRate)
		armErr = r.enc.Begin()
	}
	r.mode = mode
	r.mu.Unlock()

	if armErr != nil {
		r.fail(fmt.Errorf("arm encoder after mode change: %w", armErr))
	}
}

func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *Recorder) Seq() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Stop flushes buffered audio as the final chunk and waits for the
// recorder to finish. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) run(signal <-chan []int16) {
	defer close(r.done)

	for {
		select {
		case frame, ok := <-signal:
			if !ok {
				r.flush()
				return
			}
			if err := r.append(frame); err != nil {
				r.fail(err)
				return
			}
		case <-r.stop:
			r.drain(signal)
			r.flush()
			return
		}
	}
}

func (r *Recorder) drain(signal <-chan []int16) {
	for {
		select {
		case frame, ok := <-signal:
			if !ok {
				return
			}
			r.buf = append(r.buf, frame...)
		default:
			return
		}
	}
}

func (r *Recorder) cadenceSamples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := audio.SamplesFor(r.sampleRate, r.mode.Cadence.Milliseconds())
	if n <= 0 {
		n = audio.SamplesFor(r.sampleRate, LowLatencyCadence.Milliseconds())
	}
	return n
}

func (r *Recorder) append(frame []int16) error {
	r.buf = append(r.buf, frame...)
	for {
		n := r.cadenceSamples()
		if len(r.buf) < n {
			return nil
		}
		if err := r.emit(r.buf[:n], false); err != nil {
			return err
		}
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
}

func (r *Recorder) flush() {
	if len(r.buf) == 0 {
		return
	}
	if err := r.emit(r.buf, true); err != nil {
		r.fail(err)
		return
	}
	r.buf = r.buf[:0]
}

// emit closes the current chunk and re-arms the encoder for the next one.
func (r *Recorder) emit(samples []int16, final bool) error {
	r.mu.Lock()
	enc := r.enc
	mode := r.mode

	if err := enc.Write(samples); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("encode chunk: %w", err)
	}
	payload, err := enc.Finish()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("finish chunk: %w", err)
	}

	r.seq++
	chunk := Chunk{
		Seq:         r.seq,
		Payload:     payload,
		ContentType: enc.ContentType(),
		Extension:   enc.Extension(),
		StartOffset: r.offset(r.emitted),
		EndOffset:   r.offset(r.emitted + int64(len(samples))),
		Transport:   mode.Transport,
		Final:       final,
	}
	r.emitted += int64(len(samples))

	var rearmErr error
	if !final {
		rearmErr = enc.Begin()
	}
	r.mu.Unlock()

	r.onChunk(chunk)

	if rearmErr != nil {
		return fmt.Errorf("re-arm encoder: %w", rearmErr)
	}
	return nil
}

func (r *Recorder) offset(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(r.sampleRate)
}

// fail reports the first error only.
func (r *Recorder) fail(err error) {
	r.failOnce.Do(func() {
		r.log.Error("recorder failed", "error", err, "seq", r.Seq())
		r.onError(&shared.RecordingError{Err: err})
	})
}
