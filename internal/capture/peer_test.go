package capture

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"
)

func TestPacketSamples(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
		want   int
	}{
		{"empty packet", []byte{}, 960},
		{"20ms single frame", []byte{byte((16 + 3) << 3), 0x00}, 960},
		{"10ms single frame", []byte{byte((16 + 2) << 3), 0x00}, 480},
		{"40ms two frames", []byte{byte(((16 + 3) << 3) | 1), 0x00, 0x00}, 1920},
		{"code 3 with three frames", []byte{byte(((16 + 3) << 3) | 3), 0x03}, 2880},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := packetSamples(tt.packet, 48000); got != tt.want {
				t.Errorf("packetSamples() = %d, want %d", got, tt.want)
			}
		})
	}
}

func encodeFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	pcm := make([]int16, opusSampleRate/50)
	for i := range pcm {
		pcm[i] = int16((i % 48) * 200)
	}
	packets := make([][]byte, n)
	for i := range packets {
		buf := make([]byte, 1024)
		size, err := enc.Encode(pcm, buf)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		packets[i] = buf[:size]
	}
	return packets
}

func TestOpusDecoder_DecodeAndConceal(t *testing.T) {
	packets := encodeFrames(t, 3)
	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatal(err)
	}

	pcm, err := dec.Decode(100, packets[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 960 {
		t.Errorf("len = %d, want 960", len(pcm))
	}

	pcm, err = dec.Decode(103, packets[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 960*3 {
		t.Errorf("len with two concealed packets = %d, want %d", len(pcm), 960*3)
	}

	if got := dec.missing(104); got != 0 {
		t.Errorf("missing(next) = %d, want 0", got)
	}
	if got := dec.missing(200); got != 0 {
		t.Errorf("large gaps are not concealed, got %d", got)
	}
}

// gatedReader serves packets once open is closed, then io.EOF.
func gatedReader(packets [][]byte, open <-chan struct{}) packetReader {
	i := 0
	return func() (*rtp.Packet, error) {
		<-open
		if i >= len(packets) {
			return nil, io.EOF
		}
		pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}, Payload: packets[i]}
		i++
		return pkt, nil
	}
}

func TestPeerTrack_ReadsPackets(t *testing.T) {
	open := make(chan struct{})
	track, err := newPeerTrack("peer_1/audio", gatedReader(encodeFrames(t, 2), open), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	view := track.attach()
	close(open)

	select {
	case <-view.Done():
	case <-time.After(time.Second):
		t.Fatal("view did not end after EOF")
	}
	if got := len(view.frames); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
	if view.SampleRate() != 48000 || view.Channels() != 1 {
		t.Errorf("unexpected format %d/%d", view.SampleRate(), view.Channels())
	}
	if track.attach() != nil {
		t.Error("attach on an ended track should return nil")
	}
}

func TestPeerSource_EverySubscriberGetsEveryFrame(t *testing.T) {
	src, err := NewPeerSource(PeerConfig{Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	const frames = 20
	open := make(chan struct{})
	track, err := newPeerTrack("p/1", gatedReader(encodeFrames(t, frames), open), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	src.publish(track)

	m := NewManager(ManagerConfig{SampleRate: 48000, Log: testLogger()})
	var handles []*Handle
	for i := 0; i < 2; i++ {
		unsubscribe := src.Subscribe(func(tr Track) {
			handles = append(handles, m.Adopt(tr, KindRemotePeer))
		})
		defer unsubscribe()
	}
	if len(handles) != 2 {
		t.Fatalf("handles = %d, want 2", len(handles))
	}
	close(open)

	for i, h := range handles {
		got := 0
		for range h.Frames() {
			got++
		}
		if got != frames {
			t.Errorf("handle %d frames = %d, want %d", i, got, frames)
		}
	}
}

func TestPeerSource_UnsubscribeDetachesViews(t *testing.T) {
	src, err := NewPeerSource(PeerConfig{Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	open := make(chan struct{})
	defer close(open)
	track, err := newPeerTrack("p/1", gatedReader(nil, open), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	src.publish(track)

	var view Track
	unsubscribe := src.Subscribe(func(tr Track) { view = tr })
	unsubscribe()

	select {
	case <-view.Done():
	case <-time.After(time.Second):
		t.Fatal("view still attached after unsubscribe")
	}
	select {
	case <-track.Done():
		t.Error("unsubscribe ended the remote track")
	default:
	}
	track.mu.Lock()
	n := len(track.views)
	track.mu.Unlock()
	if n != 0 {
		t.Errorf("views = %d, want 0", n)
	}
}

func TestPeerSource_SubscribeReplaysLiveTracks(t *testing.T) {
	src, err := NewPeerSource(PeerConfig{Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	blocked := make(chan struct{})
	next := func() (*rtp.Packet, error) {
		<-blocked
		return nil, io.EOF
	}
	first, err := newPeerTrack("p/1", next, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	src.publish(first)

	var got []string
	unsubscribe := src.Subscribe(func(tr Track) { got = append(got, tr.ID()) })
	if len(got) != 1 || got[0] != "p/1" {
		t.Fatalf("replayed = %v, want [p/1]", got)
	}

	second, _ := newPeerTrack("p/2", next, testLogger())
	src.publish(second)
	if len(got) != 2 {
		t.Fatalf("got = %v, want two tracks", got)
	}

	unsubscribe()
	third, _ := newPeerTrack("p/3", next, testLogger())
	src.publish(third)
	if len(got) != 2 {
		t.Errorf("unsubscribed listener still called: %v", got)
	}

	close(blocked)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		n := len(src.tracks)
		src.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("ended tracks were not forgotten")
}

func TestPeerSource_AcceptRejectsBadOffer(t *testing.T) {
	src, err := NewPeerSource(PeerConfig{PortMin: 20000, PortMax: 20100, Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if _, _, err := src.Accept(context.Background(), ""); err == nil {
		t.Error("expected error for empty offer")
	}
	if _, _, err := src.Accept(context.Background(), "not sdp"); err == nil {
		t.Error("expected error for malformed offer")
	}
	if src.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d, want 0", src.PeerCount())
	}
	if err := src.ClosePeer("peer_missing"); err == nil {
		t.Error("expected error closing unknown peer")
	}
}

func TestPeerSource_ClosedRejectsOffers(t *testing.T) {
	src, err := NewPeerSource(PeerConfig{Log: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_ = src.Close()
	_, _, err = src.Accept(context.Background(), "v=0")
	if err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestToWebRTCServers(t *testing.T) {
	servers := toWebRTCServers([]ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"},
	})
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("credentials not carried: %+v", servers[1])
	}
}
