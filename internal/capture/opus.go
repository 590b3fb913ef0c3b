package capture

import (
	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate = 48000
	opusChannels   = 1
	// 120ms is the longest packet Opus can carry.
	maxOpusFrameSamples = opusSampleRate * 120 / 1000
	maxConcealedPackets = 5
)

var frameDurationsMs = [32]float64{
	10, 20, 40, 60,
	10, 20, 40, 60,
	10, 20, 40, 60,
	10, 20,
	10, 20,
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
	2.5, 5, 10, 20,
}

// packetSamples reads the TOC byte to size a packet in samples per channel.
func packetSamples(packet []byte, sampleRate int) int {
	if len(packet) < 1 {
		return sampleRate / 50
	}

	toc := packet[0]
	frameMs := frameDurationsMs[(toc>>3)&0x1F]

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) > 1 {
			frames = int(packet[1] & 0x3F)
			if frames == 0 {
				frames = 1
			}
		}
	}

	return int(frameMs * float64(frames) * float64(sampleRate) / 1000)
}

// opusDecoder turns RTP opus payloads into mono PCM, concealing short gaps
// in the sequence.
type opusDecoder struct {
	dec      *opus.Decoder
	pcm      []int16
	lastSize int
	nextSeq  uint16
	started  bool
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{
		dec:      dec,
		pcm:      make([]int16, maxOpusFrameSamples*opusChannels),
		lastSize: opusSampleRate / 50,
	}, nil
}

func (d *opusDecoder) missing(seq uint16) int {
	if !d.started {
		return 0
	}
	gap := int(seq - d.nextSeq)
	if gap <= 0 || gap > maxConcealedPackets {
		return 0
	}
	return gap
}

// Decode returns PCM for payload, preceded by concealment for any packets
// lost since the previous call.
func (d *opusDecoder) Decode(seq uint16, payload []byte) ([]int16, error) {
	var out []int16

	for i := d.missing(seq); i > 0; i-- {
		buf := make([]int16, d.lastSize*opusChannels)
		if err := d.dec.DecodePLC(buf); err == nil {
			out = append(out, buf...)
		}
	}
	d.started = true
	d.nextSeq = seq + 1

	if size := packetSamples(payload, opusSampleRate); size > 0 && size <= maxOpusFrameSamples {
		d.lastSize = size
	}

	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return out, err
	}
	return append(out, d.pcm[:n*opusChannels]...), nil
}
