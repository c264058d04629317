package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/config"
)

type triggerRecorder struct {
	mu     sync.Mutex
	events []entity.TriggerEvent
}

func (r *triggerRecorder) record(ev entity.TriggerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *triggerRecorder) all() []entity.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.TriggerEvent(nil), r.events...)
}

func keywordOnlyConfig() config.TriggerConfig {
	return config.TriggerConfig{SmartContextLines: 20, KeywordMaxDistance: 1}
}

func newKeywordDetector(rec *triggerRecorder) *TriggerDetector {
	return NewTriggerDetector(TriggerDetectorParams{
		UserID:    "alice",
		RoomID:    "room-1",
		Keywords:  config.DefaultVocabulary().Keywords,
		Trigger:   keywordOnlyConfig(),
		OnTrigger: rec.record,
	})
}

func finalLine(speakerID, text string) entity.TranscriptLine {
	return entity.TranscriptLine{SpeakerID: speakerID, Speaker: speakerID, Text: text, Final: true}
}

func TestKeywordTriggerFiresOnOwnSpeech(t *testing.T) {
	rec := &triggerRecorder{}
	d := newKeywordDetector(rec)
	defer d.Stop()

	d.Observe(finalLine("alice", "I can write you a quote for that"))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, entity.TriggerKeyword, events[0].Type)
	assert.Equal(t, "alice", events[0].SpeakerID)
	assert.Equal(t, "I can write you a quote for that", events[0].MatchedText)
}

func TestKeywordTriggerIgnoresOtherSpeakerAndPartials(t *testing.T) {
	rec := &triggerRecorder{}
	d := newKeywordDetector(rec)
	defer d.Stop()

	d.Observe(finalLine("bob", "send me the invoice"))
	d.Observe(entity.TranscriptLine{SpeakerID: "alice", Text: "the contract", Final: false})

	assert.Empty(t, rec.all())
}

func TestKeywordTriggerToleratesMisspellings(t *testing.T) {
	cases := map[string]bool{
		"let's sign the agreemint":   true,
		"we need a contracts review": true,
		"I'll take a depposit":       true,
		"that's quite expensive":     false,
		"what a big ideal":           false,
		"Let's agree on this":        true,
	}
	for text, want := range cases {
		t.Run(text, func(t *testing.T) {
			rec := &triggerRecorder{}
			d := newKeywordDetector(rec)
			defer d.Stop()

			d.Observe(finalLine("alice", text))
			assert.Equal(t, want, len(rec.all()) == 1)
		})
	}
}

func TestTriggerFiresOnceUntilReset(t *testing.T) {
	rec := &triggerRecorder{}
	d := newKeywordDetector(rec)
	defer d.Stop()

	d.Observe(finalLine("alice", "deal"))
	d.Observe(finalLine("alice", "deal, deal"))
	assert.Len(t, rec.all(), 1)
	assert.True(t, d.Triggered())

	d.Reset()
	d.Observe(finalLine("alice", "ok deal"))
	assert.Len(t, rec.all(), 2)
}

func TestAddKeyword(t *testing.T) {
	rec := &triggerRecorder{}
	d := newKeywordDetector(rec)
	defer d.Stop()

	assert.True(t, d.AddKeyword("Shake on it"))
	assert.False(t, d.AddKeyword("shake on it!"))
	assert.Contains(t, d.Keywords(), "shake on it")

	d.Observe(finalLine("alice", "Shall we shake on it?"))
	assert.Len(t, rec.all(), 1)
}

func TestSmartTriggerNeedsBothSpeakersAndConfidence(t *testing.T) {
	verdict := `{"agreement": true, "confidence": 0.55, "role": "provider", "reason": "discussing price"}`
	model := &fakeModel{respond: func(call int, req service.MessageRequest) (*service.MessageResponse, error) {
		return endTurn(verdict), nil
	}}
	rec := &triggerRecorder{}
	d := NewTriggerDetector(TriggerDetectorParams{
		UserID: "alice",
		RoomID: "room-1",
		Trigger: config.TriggerConfig{
			SmartInterval:     time.Millisecond,
			SmartMinSpeakers:  2,
			SmartConfidence:   0.7,
			SmartContextLines: 20,
		},
		Model:     model,
		OnTrigger: rec.record,
	})
	defer d.Stop()

	d.Observe(finalLine("alice", "the pipe under the sink has gone"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, model.callCount(), "one speaker is not enough for a smart check")

	d.Observe(finalLine("bob", "what would that cost me"))
	require.Eventually(t, func() bool { return model.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.all(), "confidence below threshold must not fire")

	model.mu.Lock()
	model.respond = func(call int, req service.MessageRequest) (*service.MessageResponse, error) {
		return endTurn("Verdict: " + `{"agreement": true, "confidence": 0.9, "role": "provider", "reason": "agreeing a price"}`), nil
	}
	model.mu.Unlock()

	d.Observe(finalLine("bob", "ok so around a hundred and fifty"))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	ev := rec.all()[0]
	assert.Equal(t, entity.TriggerSmart, ev.Type)
	assert.InDelta(t, 0.9, ev.Confidence, 0.001)
	assert.Equal(t, "provider", ev.InferredRole)
	assert.Contains(t, model.lastRequest().Messages[0].Content[0].Text, "alice (you): the pipe")
}

func TestParseSmartVerdict(t *testing.T) {
	v, err := parseSmartVerdict("```json\n{\"agreement\": false, \"confidence\": 0.2}\n```")
	require.NoError(t, err)
	assert.False(t, v.Agreement)

	_, err = parseSmartVerdict("no idea")
	assert.Error(t, err)
}
