package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	ContentTypePCM = "audio/L16"
	ContentTypeWAV = "audio/wav"
)

// Encoder accumulates one chunk worth of PCM. Begin re-arms it for the next
// chunk after Finish.
type Encoder interface {
	Begin() error
	Write(samples []int16) error
	Finish() ([]byte, error)
	ContentType() string
	Extension() string
}

type EncoderFactory func(sampleRate int) Encoder

var errNotStarted = errors.New("encoder not started")

// PCMEncoder emits raw little-endian s16 mono. Payloads from consecutive
// chunks concatenate into one continuous stream.
type PCMEncoder struct {
	buf     []byte
	started bool
}

func NewPCMEncoder(_ int) Encoder {
	return &PCMEncoder{}
}

func (e *PCMEncoder) Begin() error {
	e.buf = e.buf[:0]
	e.started = true
	return nil
}

func (e *PCMEncoder) Write(samples []int16) error {
	if !e.started {
		return errNotStarted
	}
	e.buf = append(e.buf, Int16ToPCMBytes(samples)...)
	return nil
}

func (e *PCMEncoder) Finish() ([]byte, error) {
	if !e.started {
		return nil, errNotStarted
	}
	e.started = false
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

func (e *PCMEncoder) ContentType() string { return ContentTypePCM }
func (e *PCMEncoder) Extension() string   { return "pcm" }

// WAVEncoder emits a self-contained 16-bit mono WAV file per chunk.
type WAVEncoder struct {
	sampleRate int
	file       *MemFile
	enc        *wav.Encoder
	buf        *goaudio.IntBuffer
}

func NewWAVEncoder(sampleRate int) Encoder {
	return &WAVEncoder{sampleRate: sampleRate}
}

func (e *WAVEncoder) Begin() error {
	if e.sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", e.sampleRate)
	}
	e.file = &MemFile{}
	e.enc = wav.NewEncoder(e.file, e.sampleRate, 16, 1, 1)
	e.buf = &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: e.sampleRate},
		SourceBitDepth: 16,
	}
	return nil
}

func (e *WAVEncoder) Write(samples []int16) error {
	if e.enc == nil {
		return errNotStarted
	}
	if cap(e.buf.Data) < len(samples) {
		e.buf.Data = make([]int, len(samples))
	}
	e.buf.Data = e.buf.Data[:len(samples)]
	for i, s := range samples {
		e.buf.Data[i] = int(s)
	}
	return e.enc.Write(e.buf)
}

func (e *WAVEncoder) Finish() ([]byte, error) {
	if e.enc == nil {
		return nil, errNotStarted
	}
	enc := e.enc
	e.enc = nil
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav: %w", err)
	}
	return e.file.Bytes(), nil
}

func (e *WAVEncoder) ContentType() string { return ContentTypeWAV }
func (e *WAVEncoder) Extension() string   { return "wav" }

// MemFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch the RIFF header sizes on Close.
type MemFile struct {
	data []byte
	pos  int
}

func (f *MemFile) Write(p []byte) (int, error) {
	end := f.pos + len(p)
	if end > len(f.data) {
		if end > cap(f.data) {
			grown := make([]byte, end, end*2)
			copy(grown, f.data)
			f.data = grown
		} else {
			f.data = f.data[:end]
		}
	}
	copy(f.data[f.pos:end], p)
	f.pos = end
	return len(p), nil
}

func (f *MemFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(f.pos) + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	f.pos = int(abs)
	return abs, nil
}

func (f *MemFile) Bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}
