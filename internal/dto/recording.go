package dto

import "github.com/eleven-am/meeting-recorder/internal/recording"

type StartRecordingRequest struct {
	SourceID    string `json:"source_id" example:"tab-1234"`
	MeetingName string `json:"meeting_name" example:"Weekly sync"`
	// Mode is the capture hint: auto, primary or alternate.
	Mode    string `json:"mode,omitempty" example:"auto"`
	Surface string `json:"surface,omitempty" example:"tab"`
}

type StopRecordingRequest struct {
	// SourceID empty stops every recording.
	SourceID string `json:"source_id,omitempty" example:"tab-1234"`
}

type RecordingResponse struct {
	Recording recording.Info `json:"recording"`
}

type RecordingListResponse struct {
	Recordings []recording.Info `json:"recordings"`
}

type StopRecordingResponse struct {
	Results []recording.Result `json:"results"`
}

type PeerOfferRequest struct {
	SDP string `json:"sdp"`
}

type PeerAnswerResponse struct {
	PeerID string `json:"peer_id" example:"peer_3f2a"`
	SDP    string `json:"sdp"`
}
