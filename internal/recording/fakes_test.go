package recording

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/eleven-am/meeting-recorder/internal/transport"
	"github.com/eleven-am/meeting-recorder/internal/volume"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrack struct {
	id     string
	frames chan []int16
	done   chan struct{}

	mu      sync.Mutex
	stopped int
	once    sync.Once
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, frames: make(chan []int16, 8), done: make(chan struct{})}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) SampleRate() int        { return 16000 }
func (t *fakeTrack) Channels() int          { return 1 }
func (t *fakeTrack) Frames() <-chan []int16 { return t.frames }
func (t *fakeTrack) Done() <-chan struct{}  { return t.done }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
	t.end()
}

func (t *fakeTrack) end() { t.once.Do(func() { close(t.done) }) }

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeAcquirer struct {
	mu          sync.Mutex
	failPrimary bool
	failMic     bool
	primary     []*fakeTrack
	mics        []*fakeTrack
}

func (a *fakeAcquirer) RequestSource(_ context.Context, target capture.Target, _ capture.AcquireMode) (capture.Track, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := newFakeTrack(target.ID)
	if target.Surface == capture.SurfaceMicrophone {
		if a.failMic {
			return nil, errors.New("permission denied")
		}
		a.mics = append(a.mics, t)
		return t, nil
	}
	if a.failPrimary {
		return nil, errors.New("target not capturable")
	}
	a.primary = append(a.primary, t)
	return t, nil
}

func (a *fakeAcquirer) primaryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.primary)
}

func (a *fakeAcquirer) tracks() []*fakeTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(append([]*fakeTrack(nil), a.primary...), a.mics...)
}

type fakeChannel struct {
	kind    transport.Kind
	openErr error
	sendErr func(recorder.Chunk) error
	block   bool
	// opening, when set, is signalled and gate awaited before Open returns.
	opening chan<- struct{}
	gate    <-chan struct{}

	mu     sync.Mutex
	state  transport.State
	sent   []recorder.Chunk
	closes int
}

func (c *fakeChannel) Kind() transport.Kind { return c.kind }

func (c *fakeChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s transport.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) Open(context.Context, transport.SessionMeta) error {
	if c.gate != nil {
		c.opening <- struct{}{}
		<-c.gate
	}
	if c.openErr != nil {
		c.setState(transport.StateClosed)
		return c.openErr
	}
	c.setState(transport.StateOpen)
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, chunk recorder.Chunk) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.sendErr != nil {
		if err := c.sendErr(chunk); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, chunk)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close(context.Context) error {
	c.mu.Lock()
	c.closes++
	c.state = transport.StateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) chunks() []recorder.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recorder.Chunk(nil), c.sent...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeTransports struct {
	socketErr    error
	sendErr      func(recorder.Chunk) error
	blockSends   bool
	bufferedOpen chan struct{}
	bufferedGate chan struct{}

	mu         sync.Mutex
	sockets    []*fakeChannel
	buffered   []*fakeChannel
	onDegraded func(error)
}

func (f *fakeTransports) LowLatency(onDegraded func(error)) transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{kind: transport.KindLowLatency, openErr: f.socketErr, sendErr: f.sendErr, block: f.blockSends}
	f.sockets = append(f.sockets, ch)
	f.onDegraded = onDegraded
	return ch
}

func (f *fakeTransports) Buffered() transport.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{kind: transport.KindBuffered, sendErr: f.sendErr, block: f.blockSends}
	if f.bufferedGate != nil {
		ch.opening = f.bufferedOpen
		ch.gate = f.bufferedGate
	}
	f.buffered = append(f.buffered, ch)
	return ch
}

func (f *fakeTransports) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets), len(f.buffered)
}

func (f *fakeTransports) socket(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[i]
}

func (f *fakeTransports) bufferedChannel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered[i]
}

func (f *fakeTransports) degrade(err error) {
	f.mu.Lock()
	fn := f.onDegraded
	f.mu.Unlock()
	fn(err)
}

type fakeFinalizer struct {
	err error

	mu    sync.Mutex
	calls []string
}

func (f *fakeFinalizer) Finalize(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID)
	f.mu.Unlock()
	if f.err != nil {
		return &shared.FinalizeError{SessionID: sessionID, Err: f.err}
	}
	return nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMonitor struct {
	mu      sync.Mutex
	watched map[string]volume.Tap
	history []string
}

func (m *fakeMonitor) Watch(sessionID string, tap volume.Tap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched == nil {
		m.watched = make(map[string]volume.Tap)
	}
	m.watched[sessionID] = tap
	m.history = append(m.history, "watch:"+sessionID)
}

func (m *fakeMonitor) Unwatch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, sessionID)
	m.history = append(m.history, "unwatch:"+sessionID)
}

func (m *fakeMonitor) isWatching(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[sessionID]
	return ok
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(evt events.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) messages(t events.Type) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e.Error)
		}
	}
	return out
}

type fakeRemote struct {
	mu   sync.Mutex
	subs map[int]func(capture.Track)
	next int
}

func (r *fakeRemote) Subscribe(fn func(capture.Track)) func() {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[int]func(capture.Track))
	}
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *fakeRemote) announce(t capture.Track) {
	r.mu.Lock()
	subs := make([]func(capture.Track), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (r *fakeRemote) subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

type harness struct {
	acquirer   *fakeAcquirer
	transports *fakeTransports
	finalizer  *fakeFinalizer
	monitor    *fakeMonitor
	events     *eventLog
	remote     *fakeRemote
	registry   *Registry
}

func newHarness(t *testing.T, mutate func(*harness, *Config)) *harness {
	t.Helper()

	h := &harness{
		acquirer:   &fakeAcquirer{},
		transports: &fakeTransports{},
		finalizer:  &fakeFinalizer{},
		monitor:    &fakeMonitor{},
		events:     &eventLog{},
		remote:     &fakeRemote{},
	}

	cfg := Config{
		Transports:        h.transports,
		Finalizer:         h.finalizer,
		Monitor:           h.monitor,
		Events:            h.events,
		Remote:            h.remote,
		LowLatencyCadence: 100 * time.Millisecond,
		BufferedCadence:   500 * time.Millisecond,
		FrameDuration:     10 * time.Millisecond,
		StopGrace:         time.Second,
		Log:               testLogger(),
	}
	if mutate != nil {
		mutate(h, &cfg)
	}
	cfg.Capture = capture.NewManager(capture.ManagerConfig{
		Acquirer:   h.acquirer,
		SampleRate: 16000,
		Log:        testLogger(),
	})

	h.registry = NewRegistry(cfg)
	t.Cleanup(func() { h.registry.StopAll(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T, sourceID string) *Session {
	t.Helper()
	s, err := h.registry.StartIfAbsent(context.Background(), sourceID, Params{
		MeetingName: "Weekly sync",
		Surface:     capture.SurfaceTab,
		Hint:        capture.HintAuto,
	})
	if err != nil {
		t.Fatalf("StartIfAbsent() error = %v", err)
	}
	return s
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func assertContiguous(t *testing.T, chunks []recorder.Chunk) {
	t.Helper()
	for i, c := range chunks {
		if c.Seq != i+1 {
			t.Fatalf("chunk %d has Seq %d, want %d", i, c.Seq, i+1)
		}
	}
}
