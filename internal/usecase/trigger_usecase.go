package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/config"
	"pactroom/pkg/logger"
)

// TriggerDetector watches one participant's conversation for intent to make a deal.
// It fires at most once, then stays dormant until Reset.
type TriggerDetector struct {
	userID    string
	cfg       config.TriggerConfig
	llm       config.LLMConfig
	model     service.LanguageModel
	onTrigger func(entity.TriggerEvent)
	log       *logger.Scoped
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	keywords      []string
	window        []entity.TranscriptLine
	triggered     bool
	smartInFlight bool
	lastSmart     time.Time
	stopped       bool
}

type TriggerDetectorParams struct {
	UserID    string
	RoomID    string
	Keywords  []string
	Trigger   config.TriggerConfig
	LLM       config.LLMConfig
	Model     service.LanguageModel
	OnTrigger func(entity.TriggerEvent)
}

func NewTriggerDetector(params TriggerDetectorParams) *TriggerDetector {
	ctx, cancel := context.WithCancel(context.Background())
	d := &TriggerDetector{
		userID:    params.UserID,
		cfg:       params.Trigger,
		llm:       params.LLM,
		model:     params.Model,
		onTrigger: params.OnTrigger,
		log:       logger.For("trigger", params.RoomID, params.UserID),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	if d.onTrigger == nil {
		d.onTrigger = func(entity.TriggerEvent) {}
	}
	for _, keyword := range params.Keywords {
		d.addKeywordLocked(keyword)
	}
	return d
}

// AddKeyword extends the keyword list with a participant-specific phrase.
func (d *TriggerDetector) AddKeyword(keyword string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addKeywordLocked(keyword)
}

func (d *TriggerDetector) addKeywordLocked(keyword string) bool {
	normalized := strings.Join(tokenize(keyword), " ")
	if normalized == "" {
		return false
	}
	for _, existing := range d.keywords {
		if existing == normalized {
			return false
		}
	}
	d.keywords = append(d.keywords, normalized)
	return true
}

func (d *TriggerDetector) Keywords() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keywords...)
}

// Observe feeds one transcript line from either speaker. Keyword matching only
// looks at the detector owner's own lines; the smart check reads the whole window.
func (d *TriggerDetector) Observe(line entity.TranscriptLine) {
	if !line.Final || strings.TrimSpace(line.Text) == "" {
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.window = append(d.window, line)
	if limit := d.cfg.SmartContextLines; limit > 0 && len(d.window) > limit {
		d.window = d.window[len(d.window)-limit:]
	}
	if d.triggered {
		d.mu.Unlock()
		return
	}

	if line.SpeakerID == d.userID {
		if matched, ok := d.matchKeywordLocked(line.Text); ok {
			d.triggered = true
			d.mu.Unlock()
			d.log.Info("keyword %q matched in %q", matched, line.Text)
			d.onTrigger(entity.TriggerEvent{
				Type:        entity.TriggerKeyword,
				Confidence:  1,
				MatchedText: line.Text,
				Timestamp:   d.now(),
				SpeakerID:   d.userID,
			})
			return
		}
	}

	snapshot, due := d.smartDueLocked()
	d.mu.Unlock()
	if due {
		go d.smartCheck(snapshot)
	}
}

// Reset re-arms a detector that has fired.
func (d *TriggerDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggered = false
}

func (d *TriggerDetector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered
}

func (d *TriggerDetector) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
}

func (d *TriggerDetector) matchKeywordLocked(text string) (string, bool) {
	words := tokenize(text)
	if len(words) == 0 {
		return "", false
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, keyword := range d.keywords {
		if strings.Contains(keyword, " ") {
			if strings.Contains(joined, " "+keyword+" ") {
				return keyword, true
			}
			continue
		}
		for _, word := range words {
			if fuzzyWordMatch(word, keyword, d.cfg.KeywordMaxDistance) {
				return keyword, true
			}
		}
	}
	return "", false
}

// fuzzyWordMatch accepts exact words, simple inflections and, for longer keywords,
// the small misspellings speech recognition tends to produce.
func fuzzyWordMatch(word, keyword string, maxDistance int) bool {
	if word == keyword {
		return true
	}
	if len(keyword) >= 4 && strings.HasPrefix(word, keyword) && len(word)-len(keyword) <= 3 {
		return true
	}
	if maxDistance <= 0 || len(keyword) < 6 {
		return false
	}
	return levenshtein.ComputeDistance(word, keyword) <= maxDistance
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func (d *TriggerDetector) smartDueLocked() ([]entity.TranscriptLine, bool) {
	if d.model == nil || d.smartInFlight || d.cfg.SmartInterval <= 0 {
		return nil, false
	}
	now := d.now()
	if !d.lastSmart.IsZero() && now.Sub(d.lastSmart) < d.cfg.SmartInterval {
		return nil, false
	}
	speakers := make(map[string]struct{})
	for _, line := range d.window {
		speakers[line.SpeakerID] = struct{}{}
	}
	if len(speakers) < d.cfg.SmartMinSpeakers {
		return nil, false
	}
	d.smartInFlight = true
	d.lastSmart = now
	return append([]entity.TranscriptLine(nil), d.window...), true
}

type smartVerdict struct {
	Agreement  bool    `json:"agreement"`
	Confidence float64 `json:"confidence"`
	Role       string  `json:"role"`
	Reason     string  `json:"reason"`
}

const smartTriggerPrompt = `You watch a live two-person conversation. Decide whether the speakers are now trying to settle a financial agreement (a price, a quote, payment terms or a deposit).
Reply with a single JSON object and nothing else: {"agreement": bool, "confidence": number between 0 and 1, "role": "provider" | "client" | "unknown", "reason": string}.
"role" describes the participant marked (you) in the transcript.`

func (d *TriggerDetector) smartCheck(lines []entity.TranscriptLine) {
	defer func() {
		d.mu.Lock()
		d.smartInFlight = false
		d.mu.Unlock()
	}()

	var b strings.Builder
	for _, line := range lines {
		speaker := line.Speaker
		if speaker == "" {
			speaker = line.SpeakerID
		}
		if line.SpeakerID == d.userID {
			speaker += " (you)"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, line.Text)
	}

	resp, err := d.model.CreateMessage(d.ctx, service.MessageRequest{
		Model:     d.llm.Model,
		MaxTokens: 200,
		System:    smartTriggerPrompt,
		Messages:  []service.Message{service.UserText(b.String())},
	})
	if err != nil {
		if d.ctx.Err() == nil {
			d.log.Warn("smart check failed: %v", err)
		}
		return
	}

	verdict, err := parseSmartVerdict(resp.Text())
	if err != nil {
		d.log.Warn("smart check returned unreadable verdict: %v", err)
		return
	}
	if !verdict.Agreement || verdict.Confidence < d.cfg.SmartConfidence {
		d.log.Debug("smart check below threshold (%.2f)", verdict.Confidence)
		return
	}

	d.mu.Lock()
	if d.triggered || d.stopped {
		d.mu.Unlock()
		return
	}
	d.triggered = true
	d.mu.Unlock()

	d.log.Info("smart trigger fired with confidence %.2f: %s", verdict.Confidence, verdict.Reason)
	d.onTrigger(entity.TriggerEvent{
		Type:         entity.TriggerSmart,
		Confidence:   verdict.Confidence,
		MatchedText:  verdict.Reason,
		Timestamp:    d.now(),
		SpeakerID:    d.userID,
		InferredRole: verdict.Role,
	})
}

// parseSmartVerdict reads the first JSON object in the model's reply.
func parseSmartVerdict(text string) (smartVerdict, error) {
	var verdict smartVerdict
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return verdict, fmt.Errorf("no JSON object in %q", text)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return verdict, err
	}
	return verdict, nil
}
