package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/mixer"
	"github.com/eleven-am/meeting-recorder/internal/recorder"
	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/eleven-am/meeting-recorder/internal/transport"
	"github.com/google/uuid"
)

const (
	statusWriteTimeout  = 2 * time.Second
	channelCloseTimeout = time.Second
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	errQueueFull      = errors.New("delivery queue full")
	errNoTransports   = errors.New("no transports configured")
	errSourcesEnded   = errors.New("all capture sources ended")
)

// Session is one recording of one source, from acquisition to finalize.
type Session struct {
	id        string
	sourceID  string
	params    Params
	startedAt time.Time
	cfg       Config
	log       *slog.Logger
	onAbort   func(*Session, error)

	mu               sync.Mutex
	status           Status
	mode             TransportMode
	captureMode      capture.CaptureMode
	handles          []*capture.Handle
	channel          transport.Channel
	socketAttempts   int
	pendingDowngrade bool
	aborting         bool
	finalized        bool
	produced         int
	delivered        int
	dropped          int
	lastDelivered    int
	closedAt         time.Time

	bus         *mixer.Bus
	rec         *recorder.Recorder
	busCancel   context.CancelFunc
	busDone     chan struct{}
	queue       chan recorder.Chunk
	senderDone  chan struct{}
	sendCtx     context.Context
	sendCancel  context.CancelFunc
	unsubscribe func()

	startDone chan struct{}
	stopOnce  sync.Once
	result    Result
	stopErr   error
}

func newSession(sourceID string, params Params, cfg Config, onAbort func(*Session, error)) *Session {
	now := cfg.Now()
	id := fmt.Sprintf("%s_%s", shared.NewSessionID(now), uuid.NewString()[:8])
	return &Session{
		id:        id,
		sourceID:  sourceID,
		params:    params,
		startedAt: now,
		cfg:       cfg,
		log:       cfg.Log.With("session_id", id, "source_id", sourceID),
		onAbort:   onAbort,
		status:    StatusInit,
		startDone: make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) SourceID() string     { return s.sourceID }
func (s *Session) MeetingName() string  { return s.params.MeetingName }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Mode() TransportMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	sources := make([]SourceInfo, 0, len(s.handles))
	for _, h := range s.handles {
		sources = append(sources, SourceInfo{
			ID:          h.ID(),
			Kind:        h.Kind(),
			State:       h.State(),
			CaptureMode: h.CaptureMode(),
		})
	}
	seq := 0
	if s.rec != nil {
		seq = s.rec.Seq()
	}
	return Info{
		SessionID:      s.id,
		SourceID:       s.sourceID,
		MeetingName:    s.params.MeetingName,
		StartedAt:      s.startedAt,
		Status:         s.status,
		Transport:      s.mode,
		CaptureMode:    s.captureMode,
		ChunkSequence:  seq,
		LastDelivered:  s.lastDelivered,
		SocketAttempts: s.socketAttempts,
		Sources:        sources,
	}
}

func (s *Session) resultLocked() Result {
	end := s.closedAt
	if end.IsZero() {
		end = s.cfg.Now()
	}
	return Result{
		SessionID:       s.id,
		SourceID:        s.sourceID,
		Status:          s.status,
		Transport:       s.mode,
		ChunksProduced:  s.produced,
		ChunksDelivered: s.delivered,
		ChunksDropped:   s.dropped,
		Duration:        end.Sub(s.startedAt),
		Finalized:       s.finalized,
	}
}

// Start acquires sources, opens a transport and begins recording. On error
// the session is closed and holds nothing.
func (s *Session) Start(ctx context.Context) error {
	defer close(s.startDone)

	s.mu.Lock()
	if s.status != StatusInit {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	primary, err := s.cfg.Capture.Acquire(ctx, capture.SourceSpec{
		Target: capture.Target{Surface: s.params.Surface, ID: s.sourceID},
		Hint:   s.params.Hint,
	})
	if err != nil {
		s.fail(err)
		return err
	}
	handles := []*capture.Handle{primary}

	if mic, err := s.cfg.Capture.AcquireMicrophone(ctx); err != nil {
		s.log.Warn("continuing without microphone", "error", err)
		s.cfg.Events.Publish(events.Warning(s.id, microphoneWarning))
	} else {
		handles = append(handles, mic)
	}

	s.mu.Lock()
	s.handles = handles
	s.captureMode = primary.CaptureMode()
	s.status = StatusOpeningTransport
	s.mu.Unlock()
	s.publishState()

	channel, mode, err := s.openTransport(ctx)
	if err != nil {
		s.releaseHandles()
		s.fail(err)
		return err
	}

	if err := s.activate(channel, mode); err != nil {
		s.closeChannel(ctx)
		s.releaseHandles()
		s.fail(err)
		return err
	}
	return nil
}

// openTransport always tries the socket first. Failing to open it is not an
// error; the session falls back to uploads for its whole lifetime.
func (s *Session) openTransport(ctx context.Context) (transport.Channel, TransportMode, error) {
	if s.cfg.Transports == nil {
		return nil, ModeNone, errNoTransports
	}
	meta := transport.SessionMeta{SessionID: s.id, MeetingName: s.params.MeetingName}

	s.mu.Lock()
	s.socketAttempts++
	s.mu.Unlock()

	socket := s.cfg.Transports.LowLatency(s.socketDegraded)
	err := socket.Open(ctx, meta)
	if err == nil && socket.State() == transport.StateOpen {
		return socket, ModeLowLatency, nil
	}
	if err == nil {
		_ = socket.Close(ctx)
		err = errors.New("socket dropped during open")
	}
	s.log.Info("low-latency transport unavailable, using buffered uploads", "error", err)

	buffered := s.cfg.Transports.Buffered()
	if err := buffered.Open(ctx, meta); err != nil {
		return nil, ModeNone, fmt.Errorf("open buffered transport: %w", err)
	}
	return buffered, ModeBuffered, nil
}

func (s *Session) recorderMode(mode TransportMode) recorder.Mode {
	if mode == ModeLowLatency {
		return recorder.Mode{
			Cadence:   s.cfg.LowLatencyCadence,
			Transport: string(transport.KindLowLatency),
			Encoder:   s.cfg.StreamEncoder,
		}
	}
	return recorder.Mode{
		Cadence:   s.cfg.BufferedCadence,
		Transport: string(transport.KindBuffered),
		Encoder:   s.cfg.UploadEncoder,
	}
}

func (s *Session) activate(channel transport.Channel, mode TransportMode) error {
	bus := mixer.New(mixer.Config{
		SampleRate:    s.cfg.Capture.SampleRate(),
		FrameDuration: s.cfg.FrameDuration,
		Log:           s.log,
	})
	if s.cfg.MonitorSink != nil {
		bus.AttachMonitor(s.cfg.MonitorSink, mixer.LoopbackMonitorGain)
	}

	rec := recorder.New(recorder.Config{
		SampleRate: s.cfg.Capture.SampleRate(),
		OnChunk:    s.enqueue,
		OnError:    s.recordingFailed,
		Log:        s.log,
	})

	sendCtx, sendCancel := context.WithCancel(context.Background())
	busCtx, busCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.channel = channel
	s.mode = mode
	s.bus = bus
	s.rec = rec
	s.queue = make(chan recorder.Chunk, s.cfg.QueueSize)
	s.senderDone = make(chan struct{})
	s.sendCtx = sendCtx
	s.sendCancel = sendCancel
	s.busCancel = busCancel
	s.busDone = make(chan struct{})
	handles := append([]*capture.Handle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range handles {
		h.DiscardBuffered()
		bus.Connect(h, mixer.UnityGain)
	}

	if err := rec.Start(bus.Output(), s.recorderMode(mode)); err != nil {
		busCancel()
		sendCancel()
		bus.Close()
		return err
	}

	go s.deliver()
	go func() {
		defer close(s.busDone)
		bus.Run(busCtx)
	}()

	s.mu.Lock()
	s.status = StatusActive
	pending := s.pendingDowngrade
	s.mu.Unlock()

	for _, h := range handles {
		h.OnEnd(s.sourceEnded)
	}
	s.cfg.Monitor.Watch(s.id, bus.Tap())

	if s.cfg.Remote != nil {
		unsubscribe := s.cfg.Remote.Subscribe(s.adoptRemote)
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}

	s.putStatus()
	s.publishState()
	s.log.Info("recording started",
		"transport", mode,
		"capture_mode", s.captureMode,
		"sources", len(handles))

	if pending {
		s.downgrade(errors.New("socket lost while opening"))
	}
	return nil
}

func (s *Session) enqueue(chunk recorder.Chunk) {
	s.mu.Lock()
	s.produced++
	s.mu.Unlock()

	if chunk.Final {
		select {
		case s.queue <- chunk:
		case <-s.sendCtx.Done():
			s.drop(chunk, context.Cause(s.sendCtx))
		}
		return
	}

	select {
	case s.queue <- chunk:
	default:
		s.drop(chunk, errQueueFull)
	}
}

func (s *Session) drop(chunk recorder.Chunk, cause error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
	s.log.Warn("chunk dropped", "error", &shared.ChunkDeliveryError{
		Seq:       chunk.Seq,
		Transport: chunk.Transport,
		Err:       cause,
	})
}

// deliver is the only sender, so chunks leave in sequence order. A chunk is
// only sent on the transport kind it was produced for.
func (s *Session) deliver() {
	defer close(s.senderDone)

	for chunk := range s.queue {
		if err := s.sendCtx.Err(); err != nil {
			s.drop(chunk, err)
			continue
		}

		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()

		if chunk.Transport != string(ch.Kind()) {
			s.drop(chunk, fmt.Errorf("produced for %s, active transport is %s", chunk.Transport, ch.Kind()))
			continue
		}

		if err := ch.Send(s.sendCtx, chunk); err != nil {
			s.drop(chunk, err)
			continue
		}

		s.mu.Lock()
		s.delivered++
		s.lastDelivered = chunk.Seq
		s.mu.Unlock()
	}
}

func (s *Session) socketDegraded(err error) {
	s.mu.Lock()
	switch s.status {
	case StatusInit, StatusOpeningTransport:
		s.pendingDowngrade = true
		s.mu.Unlock()
		return
	case StatusActive:
		s.mu.Unlock()
		s.downgrade(err)
	default:
		s.mu.Unlock()
	}
}

// downgrade moves an active session from the socket to uploads. It never
// goes the other way.
func (s *Session) downgrade(cause error) {
	s.mu.Lock()
	if s.status != StatusActive || s.mode != ModeLowLatency {
		s.mu.Unlock()
		return
	}
	old := s.channel
	s.mode = ModeBuffered
	s.mu.Unlock()

	next := s.cfg.Transports.Buffered()
	if err := next.Open(context.Background(), transport.SessionMeta{
		SessionID:   s.id,
		MeetingName: s.params.MeetingName,
	}); err != nil {
		s.log.Error("buffered transport unavailable after socket loss", "error", err)
		recErr := &shared.RecordingError{Err: fmt.Errorf("no transport left: %w", err)}
		s.cfg.Events.Publish(events.Failure(s.id, recErr))
		go s.abort(recErr)
		return
	}

	// Stop may have begun while the upload channel was opening; finalize
	// then owns the old channel and the recorder is already stopping.
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), channelCloseTimeout)
		defer cancel()
		_ = next.Close(ctx)
		s.log.Debug("session stopped during downgrade, upload channel discarded")
		return
	}
	s.channel = next
	s.rec.SetMode(s.recorderMode(ModeBuffered))
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), channelCloseTimeout)
		defer cancel()
		_ = old.Close(ctx)
	}()

	s.log.Warn("low-latency transport lost, switched to buffered uploads", "error", cause)
	s.putStatus()
	s.publishState()
}

func (s *Session) recordingFailed(err error) {
	s.cfg.Events.Publish(events.Failure(s.id, err))
	go s.abort(err)
}

// abort stops the session for acquisition and recording failures only.
// Delivery problems never end a session.
func (s *Session) abort(err error) {
	if !shared.IsFatal(err) {
		s.log.Warn("ignoring non-fatal session error", "error", err)
		return
	}

	s.mu.Lock()
	if s.aborting || s.status != StatusActive {
		s.mu.Unlock()
		return
	}
	s.aborting = true
	s.mu.Unlock()

	s.log.Error("aborting session", "error", err)
	if s.onAbort != nil {
		s.onAbort(s, err)
		return
	}
	_, _ = s.Stop(context.Background())
}

func (s *Session) sourceEnded(h *capture.Handle) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return
	}
	bus := s.bus
	live := 0
	for _, other := range s.handles {
		if other.State() == capture.StateLive {
			live++
		}
	}
	s.mu.Unlock()

	bus.Disconnect(h)
	s.log.Warn("capture source ended", "handle_id", h.ID(), "kind", h.Kind(), "remaining", live)
	s.cfg.Events.Publish(events.Warning(s.id, fmt.Sprintf("%s source ended", h.Kind())))

	if live == 0 {
		err := &shared.AcquisitionError{Source: string(s.params.Surface), Err: errSourcesEnded}
		s.cfg.Events.Publish(events.Failure(s.id, err))
		go s.abort(err)
	}
}

func (s *Session) adoptRemote(track capture.Track) {
	if s.Status() != StatusActive {
		return
	}
	h := s.cfg.Capture.Adopt(track, capture.KindRemotePeer)

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		h.Release()
		return
	}
	s.handles = append(s.handles, h)
	bus := s.bus
	s.mu.Unlock()

	bus.Connect(h, mixer.UnityGain)
	h.OnEnd(s.sourceEnded)
}

// Stop finalizes the session once. Later and concurrent callers get the
// first caller's result.
func (s *Session) Stop(ctx context.Context) (Result, error) {
	select {
	case <-s.startDone:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	s.stopOnce.Do(func() {
		s.result, s.stopErr = s.finalize(ctx)
	})
	return s.result, s.stopErr
}

func (s *Session) finalize(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		res := s.resultLocked()
		s.mu.Unlock()
		return res, nil
	}
	s.status = StatusFinalizing
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	s.publishState()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cfg.Monitor.Unwatch(s.id)

	expired := make(chan struct{})
	grace := time.AfterFunc(s.cfg.StopGrace, func() {
		close(expired)
		s.sendCancel()
	})

	s.rec.Stop()
	s.busCancel()
	<-s.busDone
	close(s.queue)

	select {
	case <-s.senderDone:
	case <-expired:
		s.log.Warn("stop grace period elapsed, tearing down transport")
		s.closeChannel(ctx)
		<-s.senderDone
	}
	grace.Stop()
	s.sendCancel()

	s.closeChannel(ctx)
	s.releaseHandles()

	finalized := s.notifyFinalize(ctx)

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	if err := s.cfg.Status.Delete(statusCtx, s.id); err != nil {
		s.log.Debug("failed to clear session status", "error", err)
	}
	cancel()

	s.mu.Lock()
	s.status = StatusClosed
	s.finalized = finalized
	s.closedAt = s.cfg.Now()
	res := s.resultLocked()
	s.mu.Unlock()
	s.publishState()

	s.log.Info("recording closed",
		"chunks_produced", res.ChunksProduced,
		"chunks_delivered", res.ChunksDelivered,
		"chunks_dropped", res.ChunksDropped,
		"finalized", finalized)
	return res, nil
}

// notifyFinalize is best-effort; a failure is logged and never retried.
func (s *Session) notifyFinalize(ctx context.Context) bool {
	if s.cfg.Finalizer == nil {
		return false
	}
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	if err := s.cfg.Finalizer.Finalize(finCtx, s.id); err != nil {
		var finErr *shared.FinalizeError
		if !errors.As(err, &finErr) {
			err = &shared.FinalizeError{SessionID: s.id, Err: err}
		}
		s.log.Warn("finalize failed", "error", err)
		return false
	}
	return true
}

func (s *Session) closeChannel(ctx context.Context) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), channelCloseTimeout)
	defer cancel()
	if err := ch.Close(closeCtx); err != nil {
		s.log.Debug("transport close failed", "transport", ch.Kind(), "error", err)
	}
}

func (s *Session) releaseHandles() {
	s.mu.Lock()
	handles := append([]*capture.Handle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = StatusClosed
	s.closedAt = s.cfg.Now()
	s.mu.Unlock()

	s.log.Error("recording failed to start", "error", err)
	s.cfg.Events.Publish(events.Failure(s.id, err))
	s.publishState()
}

func (s *Session) putStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := s.cfg.Status.Put(ctx, s.Info()); err != nil {
		s.log.Debug("failed to write session status", "error", err)
	}
}

func (s *Session) publishState() {
	s.mu.Lock()
	state := string(s.status)
	if s.status == StatusActive {
		state += ":" + string(s.mode)
	}
	s.mu.Unlock()
	s.cfg.Events.Publish(events.StateChange(s.id, s.sourceID, state))
}
