package message

import (
	"encoding/json"
	"time"
)

type Type string

const (
	// Outbound
	TypePing            Type = "PING"
	TypeReset           Type = "RESET"
	TypeErrorReport     Type = "ERROR_REPORT"
	TypeAnalysisRequest Type = "ANALYSIS_REQUEST"

	// Inbound
	TypePong             Type = "PONG"
	TypeResetAck         Type = "RESET_ACK"
	TypeErrorAck         Type = "ERROR_ACK"
	TypeError            Type = "ERROR"
	TypeAnalysisResponse Type = "ANALYSIS_RESPONSE"
)

// IsOutbound reports whether a client is allowed to send messages of this type
func (t Type) IsOutbound() bool {
	switch t {
	case TypePing, TypeReset, TypeErrorReport, TypeAnalysisRequest:
		return true
	default:
		return false
	}
}

type Message interface {
	MessageType() Type
}

// Only grab the message type so we can switch on it
type messageTypeOnly struct {
	Type Type `json:"type"`
}

type Ping struct{}

func (Ping) MessageType() Type { return TypePing }

type Reset struct{}

func (Reset) MessageType() Type { return TypeReset }

type ErrorReport struct {
	Message string `json:"message"`
}

func (ErrorReport) MessageType() Type { return TypeErrorReport }

// The pointers are so the audio fields are left out of the frame entirely when there is no audio
type AnalysisRequest struct {
	SessionId     string        `json:"session_id"`
	Timestamp     time.Time     `json:"timestamp"`
	EmotionScores EmotionScores `json:"emotion_scores"`
	AudioData     *string       `json:"audio_data,omitempty"`
	AudioFormat   *AudioFormat  `json:"audio_format,omitempty"`
}

func (AnalysisRequest) MessageType() Type { return TypeAnalysisRequest }

type Pong struct {
	Timestamp string `json:"timestamp"`
}

func (Pong) MessageType() Type { return TypePong }

type ResetAck struct {
	Timestamp string `json:"timestamp"`
}

func (ResetAck) MessageType() Type { return TypeResetAck }

type ErrorAck struct {
	Timestamp string `json:"timestamp"`
}

func (ErrorAck) MessageType() Type { return TypeErrorAck }

type Emotion struct {
	PrimaryEmotion string  `json:"primary_emotion"`
	Intensity      string  `json:"intensity"`
	Description    string  `json:"description"`
	Suggestion     *string `json:"suggestion,omitempty"`
}

type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	DurationMs int64   `json:"duration_ms"`
}

type Suggestion struct {
	Text   string `json:"text"`
	Tone   string `json:"tone,omitempty"`
	Intent string `json:"intent"`
}

type AnalysisResponse struct {
	Timestamp         string         `json:"timestamp"`
	Emotion           Emotion        `json:"emotion"`
	Transcription     *Transcription `json:"transcription,omitempty"`
	Suggestions       []Suggestion   `json:"suggestions"`
	SituationAnalysis string         `json:"situation_analysis"`
	ProcessingTimeMs  int64          `json:"processing_time_ms"`
}

func (AnalysisResponse) MessageType() Type { return TypeAnalysisResponse }

// ServerError is the server's ERROR frame. Detail is nil when the field is absent or null.
// A non-string detail (the server echoes back whatever unsupported type it was sent) is kept
// as its raw JSON text.
type ServerError struct {
	Message   string  `json:"message"`
	Detail    *string `json:"detail,omitempty"`
	Timestamp string  `json:"timestamp"`
}

func (ServerError) MessageType() Type { return TypeError }

func (e *ServerError) UnmarshalJSON(data []byte) error {
	var raw struct {
		Message   string          `json:"message"`
		Detail    json.RawMessage `json:"detail"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Message = raw.Message
	e.Timestamp = raw.Timestamp
	e.Detail = nil

	if len(raw.Detail) > 0 && string(raw.Detail) != "null" {
		var detail string
		if err := json.Unmarshal(raw.Detail, &detail); err != nil {
			detail = string(raw.Detail)
		}
		e.Detail = &detail
	}
	return nil
}
