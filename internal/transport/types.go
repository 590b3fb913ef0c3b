package transport

import (
	"context"
	"errors"

	"github.com/eleven-am/meeting-recorder/internal/recorder"
)

type Kind string

const (
	KindLowLatency Kind = "low_latency_socket"
	KindBuffered   Kind = "buffered_http"
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

var (
	ErrNotOpen = errors.New("transport not open")
	ErrClosed  = errors.New("transport closed")
)

type SessionMeta struct {
	SessionID   string
	MeetingName string
}

// Channel delivers chunks for one session. Implementations are safe for a
// single sender plus concurrent State/Close callers.
type Channel interface {
	Kind() Kind
	State() State
	Open(ctx context.Context, meta SessionMeta) error
	Send(ctx context.Context, chunk recorder.Chunk) error
	Close(ctx context.Context) error
}

// Publisher receives transcript text parsed from backend replies.
type Publisher interface {
	Publish(sessionID, text string)
}

type PublisherFunc func(sessionID, text string)

func (f PublisherFunc) Publish(sessionID, text string) { f(sessionID, text) }

// TokenSource supplies the bearer token from the external auth store. An
// empty token means the request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

func token(ctx context.Context, src TokenSource) string {
	if src == nil {
		return ""
	}
	tok, err := src.Token(ctx)
	if err != nil {
		return ""
	}
	return tok
}

type configFrame struct {
	Type    string        `json:"type"`
	Payload configPayload `json:"payload"`
}

type configPayload struct {
	SessionID   string `json:"session_id"`
	MeetingName string `json:"meeting_name"`
}

type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Parameters are the fixed processing options sent with every upload.
type Parameters struct {
	Model     string  `json:"model"`
	Diarize   bool    `json:"diarize"`
	VADOnset  float64 `json:"vad_onset"`
	VADOffset float64 `json:"vad_offset"`
}

func DefaultParameters() Parameters {
	return Parameters{
		Model:     "base",
		Diarize:   true,
		VADOnset:  0.5,
		VADOffset: 0.363,
	}
}

type quickResponse struct {
	Transcript *struct {
		Text string `json:"text"`
	} `json:"transcript"`
}
