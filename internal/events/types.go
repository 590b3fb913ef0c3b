package events

import "time"

type Type string

const (
	TypeVolumeUpdate     Type = "VOLUME_UPDATE"
	TypeTranscriptUpdate Type = "TRANSCRIPT_UPDATE"
	TypeRecordingWarning Type = "RECORDING_WARNING"
	TypeRecordingError   Type = "RECORDING_ERROR"
	TypeRecordingState   Type = "RECORDING_STATE"
)

type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
	Volumes   []int     `json:"volumes,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Sink interface {
	Publish(evt Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

type Discard struct{}

func (Discard) Publish(Event) {}

func VolumeUpdate(sessionID string, volumes []int) Event {
	return Event{Type: TypeVolumeUpdate, SessionID: sessionID, Volumes: volumes, Timestamp: time.Now()}
}

func TranscriptUpdate(sessionID, text string) Event {
	return Event{Type: TypeTranscriptUpdate, SessionID: sessionID, Text: text, Timestamp: time.Now()}
}

func Warning(sessionID, message string) Event {
	return Event{Type: TypeRecordingWarning, SessionID: sessionID, Error: message, Timestamp: time.Now()}
}

func Failure(sessionID string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: TypeRecordingError, SessionID: sessionID, Error: msg, Timestamp: time.Now()}
}

func StateChange(sessionID, sourceID, state string) Event {
	return Event{Type: TypeRecordingState, SessionID: sessionID, SourceID: sourceID, State: state, Timestamp: time.Now()}
}
