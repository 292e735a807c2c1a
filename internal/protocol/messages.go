package protocol

import "time"

// AudioFrame carries captured PCM audio for listeners on the bus.
type AudioFrame struct {
	RoundID    string  `json:"round_id"`
	Sequence   int     `json:"sequence"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	PCM        []byte  `json:"pcm"`
	Level      float64 `json:"level"`
}

// Transcript is speech-to-text output broadcast on the bus by an external
// recognizer.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SelectStage asks the runtime to start a countdown for a stage.
type SelectStage struct {
	StageID int `json:"stage_id"`
}

// MissReport is sent by the rendering layer when an entity reaches the bottom
// of the play-field.
type MissReport struct {
	RoundID  string `json:"round_id"`
	EntityID uint64 `json:"entity_id"`
}

// ControlReply answers every game.control request.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectRoundState  = "game.round.state"
	SubjectRoundResult = "game.round.result"

	SubjectControlSelect     = "game.control.select"
	SubjectControlEnd        = "game.control.end"
	SubjectControlRetry      = "game.control.retry"
	SubjectControlReset      = "game.control.reset"
	SubjectControlMiss       = "game.control.miss"
	SubjectControlTranscript = "game.control.transcript"

	SubjectCapabilityAnnounce = "ctrl.capability.announce"

	// StreamResults is the JetStream stream that retains round results.
	StreamResults = "WORDFALL_RESULTS"
)
