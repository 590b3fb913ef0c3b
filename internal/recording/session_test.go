package recording

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/audio"
	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/eleven-am/meeting-recorder/internal/transport"
)

func TestSession_LowLatencyStreamsContiguousChunks(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	if got := s.Status(); got != StatusActive {
		t.Fatalf("Status() = %q, want %q", got, StatusActive)
	}
	if got := s.Mode(); got != ModeLowLatency {
		t.Fatalf("Mode() = %q, want %q", got, ModeLowLatency)
	}

	socket := h.transports.socket(0)
	eventually(t, 2*time.Second, func() bool { return len(socket.chunks()) >= 3 }, "three socket chunks")

	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	chunks := socket.chunks()
	assertContiguous(t, chunks)
	for _, c := range chunks {
		if c.Transport != string(transport.KindLowLatency) {
			t.Errorf("chunk %d transport = %q, want %q", c.Seq, c.Transport, transport.KindLowLatency)
		}
		if c.ContentType != "audio/L16" {
			t.Errorf("chunk %d content type = %q, want audio/L16", c.Seq, c.ContentType)
		}
	}
	last := chunks[len(chunks)-1]
	if !last.Final {
		t.Errorf("last chunk Final = false, want true")
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Final {
			t.Errorf("chunk %d marked final before the end", c.Seq)
		}
	}

	if res.Status != StatusClosed {
		t.Errorf("result status = %q, want %q", res.Status, StatusClosed)
	}
	if res.ChunksDelivered != len(chunks) || res.ChunksDropped != 0 {
		t.Errorf("result delivered=%d dropped=%d, want %d/0", res.ChunksDelivered, res.ChunksDropped, len(chunks))
	}
	if !res.Finalized || h.finalizer.count() != 1 {
		t.Errorf("finalized=%v calls=%d, want true/1", res.Finalized, h.finalizer.count())
	}
	if socket.closeCount() != 1 {
		t.Errorf("socket closed %d times, want 1", socket.closeCount())
	}
}

func TestSession_SocketOpenFailureFallsBackToBuffered(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transports.socketErr = &shared.TransportOpenError{Transport: "low_latency_socket", Err: errors.New("refused")}
	})
	started := time.Now()
	s := h.start(t, "tab-1")

	if got := s.Mode(); got != ModeBuffered {
		t.Fatalf("Mode() = %q, want %q", got, ModeBuffered)
	}
	if got := s.Info().SocketAttempts; got != 1 {
		t.Errorf("SocketAttempts = %d, want 1", got)
	}

	buffered := h.transports.bufferedChannel(0)
	eventually(t, 3*time.Second, func() bool { return len(buffered.chunks()) >= 1 }, "first upload")
	if elapsed := time.Since(started); elapsed < 400*time.Millisecond {
		t.Errorf("first upload after %v, want buffered cadence", elapsed)
	}

	if _, err := h.registry.Stop(context.Background(), "tab-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	sockets, _ := h.transports.counts()
	if sockets != 1 {
		t.Errorf("socket attempts = %d, want exactly 1", sockets)
	}

	chunks := buffered.chunks()
	assertContiguous(t, chunks)
	for _, c := range chunks {
		if c.Transport != string(transport.KindBuffered) {
			t.Errorf("chunk %d transport = %q, want %q", c.Seq, c.Transport, transport.KindBuffered)
		}
		if c.Extension != "wav" || !bytes.HasPrefix(c.Payload, []byte("RIFF")) {
			t.Errorf("chunk %d is not a standalone wav file", c.Seq)
		}
	}
}

func TestSession_StopFlushesPartialChunk(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transports.socketErr = errors.New("unreachable")
	})
	h.start(t, "tab-1")

	time.Sleep(200 * time.Millisecond)
	buffered := h.transports.bufferedChannel(0)
	if n := len(buffered.chunks()); n != 0 {
		t.Fatalf("uploads before cadence elapsed = %d, want 0", n)
	}

	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	chunks := buffered.chunks()
	if len(chunks) != 1 {
		t.Fatalf("uploads after stop = %d, want 1", len(chunks))
	}
	c := chunks[0]
	if c.Seq != 1 || !c.Final {
		t.Errorf("partial chunk seq=%d final=%v, want 1/true", c.Seq, c.Final)
	}
	if c.EndOffset >= 500*time.Millisecond || c.EndOffset <= 0 {
		t.Errorf("partial chunk EndOffset = %v, want shorter than the cadence", c.EndOffset)
	}
	if res.ChunksDelivered != 1 {
		t.Errorf("ChunksDelivered = %d, want 1", res.ChunksDelivered)
	}
}

func TestSession_DoubleStopReturnsSameResult(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")
	time.Sleep(150 * time.Millisecond)

	first, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	second, err := s.Stop(context.Background())
	if err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if first != second {
		t.Errorf("second Stop() = %+v, want %+v", second, first)
	}

	for _, tr := range h.acquirer.tracks() {
		if n := tr.stopCount(); n != 1 {
			t.Errorf("track %q stopped %d times, want 1", tr.id, n)
		}
	}
	if h.finalizer.count() != 1 {
		t.Errorf("finalize calls = %d, want 1", h.finalizer.count())
	}
	if n := h.transports.socket(0).closeCount(); n != 1 {
		t.Errorf("socket closed %d times, want 1", n)
	}
}

func TestSession_ConcurrentStopsShareOneFinalize(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	results := make(chan Result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			res, _ := s.Stop(context.Background())
			results <- res
		}()
	}

	first := <-results
	for i := 0; i < 3; i++ {
		if got := <-results; got != first {
			t.Errorf("concurrent Stop() = %+v, want %+v", got, first)
		}
	}
	if h.finalizer.count() != 1 {
		t.Errorf("finalize calls = %d, want 1", h.finalizer.count())
	}
}

func TestSession_MicrophoneFailureWarnsOnce(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.acquirer.failMic = true
	})
	s := h.start(t, "tab-1")

	if got := s.Status(); got != StatusActive {
		t.Fatalf("Status() = %q, want %q", got, StatusActive)
	}
	if n := h.events.count(events.TypeRecordingWarning); n != 1 {
		t.Fatalf("warnings = %d, want 1", n)
	}
	if msg := h.events.messages(events.TypeRecordingWarning)[0]; msg != "Microphone not available." {
		t.Errorf("warning = %q, want %q", msg, "Microphone not available.")
	}
	if n := h.events.count(events.TypeRecordingError); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
	if n := len(s.Info().Sources); n != 1 {
		t.Errorf("sources = %d, want 1", n)
	}
}

func TestSession_SourcesMixedWhenMicrophoneAvailable(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	info := s.Info()
	if len(info.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(info.Sources))
	}
	if info.Sources[0].Kind != capture.KindLoopback || info.Sources[1].Kind != capture.KindMicrophone {
		t.Errorf("source kinds = %q, %q", info.Sources[0].Kind, info.Sources[1].Kind)
	}
	if info.CaptureMode != capture.ModePrimary {
		t.Errorf("CaptureMode = %q, want primary", info.CaptureMode)
	}
	if n := h.events.count(events.TypeRecordingWarning); n != 0 {
		t.Errorf("warnings = %d, want 0", n)
	}
}

func TestSession_MidSessionSocketLossDowngrades(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	socket := h.transports.socket(0)
	eventually(t, 2*time.Second, func() bool { return len(socket.chunks()) >= 1 }, "socket chunk")

	socket.setState(transport.StateDegraded)
	h.transports.degrade(errors.New("connection reset"))

	eventually(t, time.Second, func() bool { return s.Mode() == ModeBuffered }, "downgrade")
	eventually(t, time.Second, func() bool { return socket.closeCount() == 1 }, "old socket closed")

	time.Sleep(150 * time.Millisecond)
	if _, err := h.registry.Stop(context.Background(), "tab-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	sockets, buffers := h.transports.counts()
	if sockets != 1 || buffers != 1 {
		t.Errorf("channels opened: sockets=%d buffered=%d, want 1/1", sockets, buffers)
	}

	for _, c := range socket.chunks() {
		if c.Transport != string(transport.KindLowLatency) {
			t.Errorf("socket carried chunk %d tagged %q", c.Seq, c.Transport)
		}
	}
	uploads := h.transports.bufferedChannel(0).chunks()
	if len(uploads) == 0 {
		t.Fatal("no chunks uploaded after downgrade")
	}
	for _, c := range uploads {
		if c.Transport != string(transport.KindBuffered) {
			t.Errorf("upload carried chunk %d tagged %q", c.Seq, c.Transport)
		}
	}

	lastSocket := socket.chunks()[len(socket.chunks())-1].Seq
	if uploads[0].Seq <= lastSocket {
		t.Errorf("first upload seq %d not after last streamed seq %d", uploads[0].Seq, lastSocket)
	}
	if !uploads[len(uploads)-1].Final {
		t.Error("last upload not final")
	}
}

func TestSession_StopDuringDowngradeDiscardsUploadChannel(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transports.bufferedOpen = make(chan struct{}, 1)
		h.transports.bufferedGate = make(chan struct{})
	})
	s := h.start(t, "tab-1")
	socket := h.transports.socket(0)

	socket.setState(transport.StateDegraded)
	downgraded := make(chan struct{})
	go func() {
		h.transports.degrade(errors.New("connection reset"))
		close(downgraded)
	}()

	select {
	case <-h.transports.bufferedOpen:
	case <-time.After(2 * time.Second):
		t.Fatal("upload channel never started opening")
	}

	if _, err := h.registry.Stop(context.Background(), "tab-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	close(h.transports.bufferedGate)

	select {
	case <-downgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("downgrade did not return after the session stopped")
	}

	upload := h.transports.bufferedChannel(0)
	if got := upload.closeCount(); got != 1 {
		t.Errorf("upload channel closes = %d, want 1", got)
	}
	if n := len(upload.chunks()); n != 0 {
		t.Errorf("upload channel carried %d chunks after stop", n)
	}
	if got := socket.closeCount(); got < 1 {
		t.Error("socket was not closed by stop")
	}
	if got := s.Status(); got != StatusClosed {
		t.Errorf("Status() = %q, want %q", got, StatusClosed)
	}
}

func TestSession_DowngradeNeverReturnsToSocket(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	h.transports.degrade(errors.New("first loss"))
	eventually(t, time.Second, func() bool { return s.Mode() == ModeBuffered }, "downgrade")

	s.downgrade(errors.New("second loss"))
	s.socketDegraded(errors.New("late callback"))

	sockets, buffers := h.transports.counts()
	if sockets != 1 || buffers != 1 {
		t.Errorf("channels opened: sockets=%d buffered=%d, want 1/1", sockets, buffers)
	}
	if got := s.Mode(); got != ModeBuffered {
		t.Errorf("Mode() = %q, want %q", got, ModeBuffered)
	}
}

func TestSession_FailedSendsAreDroppedNotRetried(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transports.sendErr = func(c recorder.Chunk) error {
			attempts.Add(1)
			if c.Seq == 2 {
				return errors.New("write timeout")
			}
			return nil
		}
	})
	h.start(t, "tab-1")

	socket := h.transports.socket(0)
	eventually(t, 2*time.Second, func() bool { return len(socket.chunks()) >= 3 }, "chunks after failure")

	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, c := range socket.chunks() {
		if c.Seq == 2 {
			t.Error("chunk 2 was delivered after failing")
		}
	}
	if res.ChunksDropped != 1 {
		t.Errorf("ChunksDropped = %d, want 1", res.ChunksDropped)
	}
	if int(attempts.Load()) != res.ChunksProduced {
		t.Errorf("send attempts = %d, want one per produced chunk (%d)", attempts.Load(), res.ChunksProduced)
	}
	if got := res.ChunksDelivered + res.ChunksDropped; got != res.ChunksProduced {
		t.Errorf("delivered+dropped = %d, want %d", got, res.ChunksProduced)
	}
}

func TestSession_StopGraceBoundsStuckTransport(t *testing.T) {
	h := newHarness(t, func(h *harness, cfg *Config) {
		h.transports.blockSends = true
		cfg.StopGrace = 100 * time.Millisecond
	})
	h.start(t, "tab-1")
	time.Sleep(150 * time.Millisecond)

	begin := time.Now()
	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("Stop() took %v with a stuck transport", elapsed)
	}
	if res.Status != StatusClosed {
		t.Errorf("result status = %q, want %q", res.Status, StatusClosed)
	}
	if res.ChunksDelivered != 0 {
		t.Errorf("ChunksDelivered = %d, want 0", res.ChunksDelivered)
	}
	for _, tr := range h.acquirer.tracks() {
		if tr.stopCount() != 1 {
			t.Errorf("track %q not released", tr.id)
		}
	}
}

func TestSession_FinalizeFailureStillCloses(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.finalizer.err = errors.New("backend 500")
	})
	h.start(t, "tab-1")

	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if res.Finalized {
		t.Error("Finalized = true, want false")
	}
	if res.Status != StatusClosed {
		t.Errorf("result status = %q, want %q", res.Status, StatusClosed)
	}
	if h.finalizer.count() != 1 {
		t.Errorf("finalize calls = %d, want 1 (no retry)", h.finalizer.count())
	}
}

type flakyEncoder struct {
	audio.Encoder
	begins    *atomic.Int32
	failAfter int32
}

func (e *flakyEncoder) Begin() error {
	if e.begins.Add(1) > e.failAfter {
		return errors.New("encoder crashed")
	}
	return e.Encoder.Begin()
}

func TestSession_RecordingErrorAbortsSession(t *testing.T) {
	var begins atomic.Int32
	h := newHarness(t, func(_ *harness, cfg *Config) {
		cfg.StreamEncoder = func(rate int) audio.Encoder {
			return &flakyEncoder{Encoder: audio.NewPCMEncoder(rate), begins: &begins, failAfter: 1}
		}
	})
	s := h.start(t, "tab-1")

	eventually(t, 2*time.Second, func() bool { return h.registry.Count() == 0 }, "aborted session removed")

	if got := s.Status(); got != StatusClosed {
		t.Errorf("Status() = %q, want %q", got, StatusClosed)
	}
	msgs := h.events.messages(events.TypeRecordingError)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "encoder crashed") {
		t.Errorf("recording errors = %q, want one mentioning the encoder", msgs)
	}

	res, err := h.registry.Stop(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Stop() after abort error = %v", err)
	}
	if res.SessionID != s.ID() || res.Status != StatusClosed {
		t.Errorf("Stop() after abort = %+v", res)
	}
	for _, tr := range h.acquirer.tracks() {
		if tr.stopCount() != 1 {
			t.Errorf("track %q not released", tr.id)
		}
	}
}

func TestSession_MicrophoneEndKeepsRecording(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	h.acquirer.mics[0].end()
	eventually(t, time.Second, func() bool { return h.events.count(events.TypeRecordingWarning) == 1 }, "source ended warning")

	if got := s.Status(); got != StatusActive {
		t.Errorf("Status() = %q, want %q", got, StatusActive)
	}
	if h.registry.Count() != 1 {
		t.Errorf("registry count = %d, want 1", h.registry.Count())
	}
}

func TestSession_AllSourcesEndedAborts(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.acquirer.failMic = true
	})
	s := h.start(t, "tab-1")

	h.acquirer.primary[0].end()
	eventually(t, 2*time.Second, func() bool { return s.Status() == StatusClosed }, "session closed")

	msgs := h.events.messages(events.TypeRecordingError)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "all capture sources ended") {
		t.Errorf("recording errors = %q", msgs)
	}
	eventually(t, time.Second, func() bool { return h.registry.Count() == 0 }, "registry cleared")
}

func TestSession_AdoptsRemotePeers(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	if h.remote.subscribers() != 1 {
		t.Fatalf("remote subscribers = %d, want 1", h.remote.subscribers())
	}

	peer := newFakeTrack("peer-1")
	h.remote.announce(peer)

	info := s.Info()
	if len(info.Sources) != 3 || info.Sources[2].Kind != capture.KindRemotePeer {
		t.Fatalf("sources = %+v, want a remote peer third", info.Sources)
	}

	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if peer.stopCount() != 0 {
		t.Error("adopted peer track was stopped by the session")
	}
	if h.remote.subscribers() != 0 {
		t.Errorf("remote subscribers after stop = %d, want 0", h.remote.subscribers())
	}
}

func TestSession_VolumeMonitorFollowsLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")

	if !h.monitor.isWatching(s.ID()) {
		t.Fatal("monitor not watching an active session")
	}
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.monitor.isWatching(s.ID()) {
		t.Error("monitor still watching a closed session")
	}
}

func TestSession_PublishesStateTransitions(t *testing.T) {
	h := newHarness(t, nil)
	s := h.start(t, "tab-1")
	if _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	h.events.mu.Lock()
	var states []string
	for _, e := range h.events.events {
		if e.Type == events.TypeRecordingState {
			states = append(states, e.State)
		}
	}
	h.events.mu.Unlock()

	want := []string{"opening_transport", "active:low_latency", "finalizing", "closed"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSession_IDFormat(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := newSession("tab-1", Params{}, Config{Now: func() time.Time { return now }}.normalize(), nil)

	if !strings.HasPrefix(s.ID(), "live_1700000000000_") {
		t.Errorf("ID() = %q, want live_<ms>_ prefix", s.ID())
	}
	other := newSession("tab-1", Params{}, Config{Now: func() time.Time { return now }}.normalize(), nil)
	if other.ID() == s.ID() {
		t.Error("sessions started in the same millisecond share an ID")
	}
}
