package message

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
)

// The fixed set of emotions produced by the vision pipeline
var EmotionKeys = []string{"happy", "sad", "angry", "confused", "surprised", "neutral", "fearful", "disgusted"}

type EmotionScores map[string]float64

// Validate checks that exactly the known emotion keys are present and that every score is a
// finite number in [0, 1]
func (e EmotionScores) Validate() error {
	if len(e) != len(EmotionKeys) {
		return &ValidationError{Field: "emotion_scores", Reason: fmt.Sprintf("expected %d scores, got %d", len(EmotionKeys), len(e))}
	}

	for _, key := range EmotionKeys {
		score, ok := e[key]
		if !ok {
			return &ValidationError{Field: "emotion_scores", Reason: fmt.Sprintf("missing score for %q", key)}
		}
		if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
			return &ValidationError{Field: "emotion_scores." + key, Reason: fmt.Sprintf("score %v is outside [0, 1]", score)}
		}
	}
	return nil
}

// Primary returns the emotion with the highest score, ties broken alphabetically
func (e EmotionScores) Primary() string {
	keys := make([]string, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	primary := ""
	best := math.Inf(-1)
	for _, key := range keys {
		if e[key] > best {
			primary, best = key, e[key]
		}
	}
	return primary
}

// Copy returns scores that share no memory with the receiver
func (e EmotionScores) Copy() EmotionScores {
	if e == nil {
		return nil
	}
	scores := make(EmotionScores, len(e))
	for key, score := range e {
		scores[key] = score
	}
	return scores
}

type AudioFormat string

const (
	Wav  AudioFormat = "wav"
	Opus AudioFormat = "opus"
	Pcm  AudioFormat = "pcm"
)

func (f AudioFormat) Validate() error {
	switch f {
	case Wav, Opus, Pcm:
		return nil
	default:
		return &ValidationError{Field: "audio_format", Reason: fmt.Sprintf("unsupported audio format %q", string(f))}
	}
}

// Audio is an already encoded chunk of audio produced by the capture pipeline
type Audio struct {
	// base64 encoded bytes
	Data   string
	Format AudioFormat
}

func (a Audio) Validate() error {
	if a.Data == "" {
		return &ValidationError{Field: "audio_data", Reason: "audio data is empty"}
	}
	if _, err := base64.StdEncoding.DecodeString(a.Data); err != nil {
		return &ValidationError{Field: "audio_data", Reason: fmt.Sprintf("audio data is not valid base64: %s", err)}
	}
	return a.Format.Validate()
}

// Validate checks an outgoing analysis request before it is handed to the transport
func (r AnalysisRequest) Validate() error {
	if r.SessionId == "" {
		return &ValidationError{Field: "session_id", Reason: "session id is empty"}
	}
	if err := r.EmotionScores.Validate(); err != nil {
		return err
	}

	switch {
	case r.AudioData == nil && r.AudioFormat == nil:
		return nil
	case r.AudioData == nil:
		return &ValidationError{Field: "audio_data", Reason: "audio format given without audio data"}
	case r.AudioFormat == nil:
		return &ValidationError{Field: "audio_format", Reason: "audio data given without a format"}
	default:
		return Audio{Data: *r.AudioData, Format: *r.AudioFormat}.Validate()
	}
}
