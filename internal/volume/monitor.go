package volume

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultBins     = 15
)

type Tap interface {
	Snapshot() []int16
}

type Config struct {
	Interval time.Duration
	Bins     int
	FFTSize  int
	Sink     events.Sink
	Log      *slog.Logger
}

type watch struct {
	sessionID string
	tap       Tap
}

// Monitor runs one sampling loop for the whole process. It reports the
// oldest watched session and idles when nothing is watched.
type Monitor struct {
	interval time.Duration
	bins     int
	sink     events.Sink
	log      *slog.Logger

	mu      sync.Mutex
	watched []watch
	cancel  context.CancelFunc
	// closed when the loop started alongside cancel returns
	loopDone chan struct{}

	sampleMu sync.Mutex
	analyser *audio.Analyser
	current  string
	skipLog  rate.Sometimes
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Bins <= 0 {
		cfg.Bins = DefaultBins
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Monitor{
		interval: cfg.Interval,
		bins:     cfg.Bins,
		sink:     cfg.Sink,
		log:      cfg.Log.With("component", "volume_monitor"),
		analyser: audio.NewAnalyser(cfg.FFTSize),
		skipLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (m *Monitor) Watch(sessionID string, tap Tap) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.watched {
		if w.sessionID == sessionID {
			m.watched[i].tap = tap
			return
		}
	}
	m.watched = append(m.watched, watch{sessionID: sessionID, tap: tap})

	if m.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		m.cancel = cancel
		m.loopDone = done
		go m.loop(ctx, done)
		m.log.Debug("volume loop started")
	}
}

func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	for i, w := range m.watched {
		if w.sessionID == sessionID {
			m.watched = append(m.watched[:i], m.watched[i+1:]...)
			break
		}
	}
	var cancel context.CancelFunc
	var done chan struct{}
	if len(m.watched) == 0 && m.cancel != nil {
		cancel, done = m.cancel, m.loopDone
		m.cancel, m.loopDone = nil, nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		m.log.Debug("volume loop stopped")
	}
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading of the current session's tap and emits it.
// It reports false when there was nothing to emit.
func (m *Monitor) Sample() bool {
	m.mu.Lock()
	if len(m.watched) == 0 {
		m.mu.Unlock()
		return false
	}
	cur := m.watched[0]
	m.mu.Unlock()

	m.sampleMu.Lock()
	if cur.sessionID != m.current {
		m.analyser.Reset()
		m.current = cur.sessionID
	}

	samples := cur.tap.Snapshot()
	if len(samples) == 0 {
		m.sampleMu.Unlock()
		m.skip(cur.sessionID)
		return false
	}
	volumes := m.analyser.ByteFrequencyData(samples, m.bins)
	m.sampleMu.Unlock()

	if audio.Silent(volumes) {
		m.skip(cur.sessionID)
		return false
	}

	m.sink.Publish(events.VolumeUpdate(cur.sessionID, volumes))
	return true
}

func (m *Monitor) skip(sessionID string) {
	m.skipLog.Do(func() {
		m.log.Debug("no signal on tap, skipping volume update", "session_id", sessionID)
	})
}

func (m *Monitor) Close() {
	m.mu.Lock()
	m.watched = nil
	cancel, done := m.cancel, m.loopDone
	m.cancel, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
