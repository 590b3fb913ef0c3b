package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/meeting-recorder/internal/shared"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type PeerConfig struct {
	ICEServers []ICEServer
	PortMin    int
	PortMax    int
	Log        *slog.Logger
}

// PeerSource terminates WebRTC connections from the host that forward remote
// meeting participants, and announces each inbound audio track.
type PeerSource struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	mu      sync.Mutex
	peers   map[string]*webrtc.PeerConnection
	tracks  map[string]*peerTrack
	subs    map[int]func(Track)
	views   map[int][]*peerView
	nextSub int
	closed  bool
}

func NewPeerSource(cfg PeerConfig) (*PeerSource, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > cfg.PortMin {
		if err := se.SetEphemeralUDPPortRange(uint16(cfg.PortMin), uint16(cfg.PortMax)); err != nil {
			return nil, err
		}
	}

	return &PeerSource{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		iceServers: toWebRTCServers(cfg.ICEServers),
		log:        cfg.Log.With("component", "peer_source"),
		peers:      make(map[string]*webrtc.PeerConnection),
		tracks:     make(map[string]*peerTrack),
		subs:       make(map[int]func(Track)),
		views:      make(map[int][]*peerView),
	}, nil
}

func toWebRTCServers(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// Subscribe registers fn for every remote track, starting with the ones
// already live. Each subscriber receives its own view of a track carrying
// every frame; unsubscribing detaches those views.
func (s *PeerSource) Subscribe(fn func(Track)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	live := make([]*peerTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		live = append(live, t)
	}
	s.mu.Unlock()

	for _, t := range live {
		s.deliver(id, fn, t)
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		views := s.views[id]
		delete(s.views, id)
		s.mu.Unlock()

		for _, v := range views {
			v.Stop()
		}
	}
}

func (s *PeerSource) deliver(id int, fn func(Track), t *peerTrack) {
	v := t.attach()
	if v == nil {
		return
	}

	s.mu.Lock()
	if _, ok := s.subs[id]; !ok {
		s.mu.Unlock()
		v.Stop()
		return
	}
	s.views[id] = append(s.views[id], v)
	s.mu.Unlock()

	fn(v)
}

func (s *PeerSource) publish(t *peerTrack) {
	s.mu.Lock()
	s.tracks[t.id] = t
	subs := make(map[int]func(Track), len(s.subs))
	for id, fn := range s.subs {
		subs[id] = fn
	}
	s.mu.Unlock()

	go func() {
		<-t.Done()
		s.mu.Lock()
		if s.tracks[t.id] == t {
			delete(s.tracks, t.id)
		}
		for id, views := range s.views {
			kept := views[:0]
			for _, v := range views {
				if v.track != t {
					kept = append(kept, v)
				}
			}
			s.views[id] = kept
		}
		s.mu.Unlock()
	}()

	for id, fn := range subs {
		s.deliver(id, fn, t)
	}
}

// Accept answers an SDP offer. The answer carries all gathered candidates.
func (s *PeerSource) Accept(ctx context.Context, offer string) (string, string, error) {
	if strings.TrimSpace(offer) == "" {
		return "", "", errors.New("empty offer")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", "", shared.ErrSessionClosed
	}
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return "", "", fmt.Errorf("new peer connection: %w", err)
	}

	peerID := shared.NewID("peer_")
	log := s.log.With("peer_id", peerID)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if !strings.EqualFold(remote.Codec().MimeType, webrtc.MimeTypeOpus) {
			log.Warn("ignoring non-opus audio track", "codec", remote.Codec().MimeType)
			return
		}
		next := func() (*rtp.Packet, error) {
			pkt, _, err := remote.ReadRTP()
			return pkt, err
		}
		t, err := newPeerTrack(peerID+"/"+remote.ID(), next, log)
		if err != nil {
			log.Error("decoder init failed", "error", err)
			return
		}
		log.Info("remote track started", "track_id", t.id)
		s.publish(t)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			log.Info("peer connection ended", "state", state.String())
			go s.remove(peerID)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		_ = pc.Close()
		return "", "", fmt.Errorf("set offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", "", fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", "", fmt.Errorf("set answer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		_ = pc.Close()
		return "", "", ctx.Err()
	}

	s.mu.Lock()
	s.peers[peerID] = pc
	s.mu.Unlock()

	return peerID, pc.LocalDescription().SDP, nil
}

func (s *PeerSource) remove(peerID string) {
	s.mu.Lock()
	pc, ok := s.peers[peerID]
	delete(s.peers, peerID)
	s.mu.Unlock()
	if ok {
		_ = pc.Close()
	}
}

func (s *PeerSource) ClosePeer(peerID string) error {
	s.mu.Lock()
	_, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return shared.ErrNotFound
	}
	s.remove(peerID)
	return nil
}

func (s *PeerSource) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *PeerSource) Close() error {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*webrtc.PeerConnection)
	s.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// peerTrack owns the RTP read loop of one remote audio track and fans
// decoded frames out to its views.
type peerTrack struct {
	id   string
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	views map[*peerView]struct{}
	ended bool
}

type packetReader func() (*rtp.Packet, error)

func newPeerTrack(id string, next packetReader, log *slog.Logger) (*peerTrack, error) {
	dec, err := newOpusDecoder()
	if err != nil {
		return nil, err
	}
	t := &peerTrack{
		id:    id,
		done:  make(chan struct{}),
		views: make(map[*peerView]struct{}),
	}
	go t.read(next, dec, log)
	return t, nil
}

func (t *peerTrack) ID() string            { return t.id }
func (t *peerTrack) Done() <-chan struct{} { return t.done }

// Stop ends the track and every view of it.
func (t *peerTrack) Stop() {
	t.once.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.ended = true
		views := t.views
		t.views = nil
		t.mu.Unlock()
		for v := range views {
			v.end()
		}
	})
}

// attach returns a new view, or nil once the track has ended.
func (t *peerTrack) attach() *peerView {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return nil
	}
	v := &peerView{
		track:  t,
		frames: make(chan []int16, handleBufferFrames),
		done:   make(chan struct{}),
	}
	t.views[v] = struct{}{}
	return v
}

func (t *peerTrack) detach(v *peerView) {
	t.mu.Lock()
	delete(t.views, v)
	t.mu.Unlock()
}

// fanout hands every view its own copy of pcm. A full view drops the frame.
func (t *peerTrack) fanout(pcm []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for v := range t.views {
		select {
		case v.frames <- append([]int16(nil), pcm...):
		default:
		}
	}
}

func (t *peerTrack) read(next packetReader, dec *opusDecoder, log *slog.Logger) {
	defer t.Stop()

	for {
		pkt, err := next()
		if err != nil {
			log.Debug("remote track read ended", "track_id", t.id, "error", err)
			return
		}
		pcm, err := dec.Decode(pkt.SequenceNumber, pkt.Payload)
		if err != nil {
			log.Debug("opus decode failed", "track_id", t.id, "error", err)
		}
		if len(pcm) == 0 {
			continue
		}
		t.fanout(pcm)
	}
}

// peerView is one subscriber's Track over a shared remote track. Stopping
// it detaches the subscriber and leaves the remote track running.
type peerView struct {
	track  *peerTrack
	frames chan []int16
	done   chan struct{}
	once   sync.Once
}

func (v *peerView) ID() string             { return v.track.id }
func (v *peerView) SampleRate() int        { return opusSampleRate }
func (v *peerView) Channels() int          { return opusChannels }
func (v *peerView) Frames() <-chan []int16 { return v.frames }
func (v *peerView) Done() <-chan struct{}  { return v.done }

func (v *peerView) Stop() {
	v.track.detach(v)
	v.end()
}

func (v *peerView) end() {
	v.once.Do(func() { close(v.done) })
}
