package capture

import (
	"sync"
	"sync/atomic"

	"github.com/eleven-am/meeting-recorder/internal/audio"
)

const handleBufferFrames = 256

// Handle is a live capture source normalized to mono PCM at the bus rate.
// Consumers read Frames; only the manager that issued it may stop the
// underlying track.
type Handle struct {
	id         string
	kind       Kind
	mode       CaptureMode
	track      Track
	sampleRate int
	owned      bool

	frames  chan []int16
	done    chan struct{}
	release chan struct{}

	mu           sync.Mutex
	state        State
	unanchor     func()
	onEnd        []func(*Handle)
	dropped      atomic.Int64
	releaseOnce  sync.Once
	finishedOnce sync.Once
}

func newHandle(id string, kind Kind, mode CaptureMode, track Track, sampleRate int, owned bool) *Handle {
	h := &Handle{
		id:         id,
		kind:       kind,
		mode:       mode,
		track:      track,
		sampleRate: sampleRate,
		owned:      owned,
		frames:     make(chan []int16, handleBufferFrames),
		done:       make(chan struct{}),
		release:    make(chan struct{}),
		state:      StateLive,
	}
	go h.pump()
	return h
}

func (h *Handle) ID() string               { return h.id }
func (h *Handle) Kind() Kind               { return h.kind }
func (h *Handle) CaptureMode() CaptureMode { return h.mode }
func (h *Handle) SampleRate() int          { return h.sampleRate }
func (h *Handle) Frames() <-chan []int16   { return h.frames }
func (h *Handle) Done() <-chan struct{}    { return h.done }
func (h *Handle) Dropped() int64           { return h.dropped.Load() }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnEnd registers fn to run once the handle ends. Runs immediately if it
// already has.
func (h *Handle) OnEnd(fn func(*Handle)) {
	h.mu.Lock()
	if h.state == StateEnded {
		h.mu.Unlock()
		fn(h)
		return
	}
	h.onEnd = append(h.onEnd, fn)
	h.mu.Unlock()
}

// Release detaches the handle. Owned tracks are stopped; adopted ones are
// left to their owner.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		close(h.release)
		if h.owned {
			h.track.Stop()
		}
	})
	<-h.done
}

func (h *Handle) pump() {
	defer h.finish()

	in := h.track.Frames()
	for {
		select {
		case <-h.release:
			return
		case <-h.track.Done():
			h.drain(in)
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			h.forward(frame)
		}
	}
}

// drain forwards frames the track buffered before it ended.
func (h *Handle) drain(in <-chan []int16) {
	for {
		select {
		case frame, ok := <-in:
			if !ok {
				return
			}
			h.forward(frame)
		default:
			return
		}
	}
}

func (h *Handle) forward(frame []int16) {
	frame = audio.DownmixInt16(frame, h.track.Channels())
	frame = audio.ResampleInt16(frame, h.track.SampleRate(), h.sampleRate)
	select {
	case h.frames <- frame:
	default:
		h.dropped.Add(1)
	}
}

func (h *Handle) finish() {
	h.finishedOnce.Do(func() {
		h.mu.Lock()
		h.state = StateEnded
		unanchor := h.unanchor
		h.unanchor = nil
		callbacks := h.onEnd
		h.onEnd = nil
		h.mu.Unlock()

		if unanchor != nil {
			unanchor()
		}
		close(h.frames)
		close(h.done)

		for _, fn := range callbacks {
			fn(h)
		}
	})
}

func (h *Handle) setAnchor(release func()) {
	h.mu.Lock()
	if h.state == StateEnded {
		h.mu.Unlock()
		release()
		return
	}
	h.unanchor = release
	h.mu.Unlock()
}

// DiscardBuffered drops frames captured before a consumer attached.
func (h *Handle) DiscardBuffered() {
	for {
		select {
		case _, ok := <-h.frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
