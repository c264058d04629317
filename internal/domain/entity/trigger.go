package entity

import "time"

type TriggerType string

const (
	TriggerKeyword     TriggerType = "keyword"
	TriggerSmart       TriggerType = "smart"
	TriggerDualKeyword TriggerType = "dual_keyword"
)

type TriggerEvent struct {
	Type         TriggerType `json:"type"`
	Confidence   float64     `json:"confidence"`
	MatchedText  string      `json:"matched_text"`
	Timestamp    time.Time   `json:"timestamp"`
	SpeakerID    string      `json:"speaker_id"`
	InferredRole string      `json:"inferred_role,omitempty"`
}
