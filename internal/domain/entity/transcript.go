package entity

import "time"

type WordTiming struct {
	Word    string  `json:"word"`
	StartMs int64   `json:"start_ms"`
	EndMs   int64   `json:"end_ms"`
	Score   float64 `json:"score,omitempty"`
}

// TranscriptLine is one recognized utterance. Partial lines are display-only.
type TranscriptLine struct {
	SpeakerID string       `json:"speaker_id"`
	Speaker   string       `json:"speaker,omitempty"`
	Text      string       `json:"text"`
	Final     bool         `json:"final"`
	Words     []WordTiming `json:"words,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
