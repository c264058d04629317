package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/peer"
	"pactroom/pkg/config"
	"pactroom/pkg/logger"
)

// ToolHandler runs one tool call. The returned text becomes the tool_result content.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

type Tool struct {
	Definition service.ToolDefinition
	Handler    ToolHandler
}

// AgentText is what a user's panel receives when their agent speaks or fails.
type AgentText struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Kind   string `json:"kind"`
}

const (
	AgentTextMessage = "message"
	AgentTextNotice  = "notice"
	AgentTextError   = "error"
)

// Agent is the AI representative of one participant. It keeps its own
// conversation history and drives the model through tool calls.
type Agent struct {
	userID string
	roomID string
	model  service.LanguageModel
	cfg    config.AgentConfig
	llm    config.LLMConfig
	notify func(service.Notification)
	log    *logger.Scoped

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	system       string
	history      []service.Message
	pending      []service.Message
	tools        map[string]Tool
	toolOrder    []string
	started      bool
	stopped      bool
	processing   bool
	rerun        bool
	negotiating  bool
	transcript   []string
	debounce     *time.Timer
	requestCount int
}

type AgentParams struct {
	UserID string
	RoomID string
	Model  service.LanguageModel
	Agent  config.AgentConfig
	LLM    config.LLMConfig
	Notify func(service.Notification)
}

func NewAgent(params AgentParams) *Agent {
	notify := params.Notify
	if notify == nil {
		notify = func(service.Notification) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		userID: params.UserID,
		roomID: params.RoomID,
		model:  params.Model,
		cfg:    params.Agent,
		llm:    params.LLM,
		notify: notify,
		log:    logger.For("agent", params.RoomID, params.UserID),
		ctx:    ctx,
		cancel: cancel,
		tools:  make(map[string]Tool),
	}
}

// SetTools replaces the tool registry offered to the model.
func (a *Agent) SetTools(tools []Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = make(map[string]Tool, len(tools))
	a.toolOrder = a.toolOrder[:0]
	for _, tool := range tools {
		name := tool.Definition.Name
		if _, exists := a.tools[name]; !exists {
			a.toolOrder = append(a.toolOrder, name)
		}
		a.tools[name] = tool
	}
}

// Start fixes the system prompt and seeds the framing exchange. Later calls are no-ops.
func (a *Agent) Start(self, counterpart entity.UserProfile, currency string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.system = agentSystemPrompt(self, counterpart, currency)
	a.history = append(a.history,
		service.UserText(agentFramingMessage(self, counterpart)),
		service.Message{Role: service.RoleAssistant, Content: []service.ContentBlock{
			service.TextBlock("Understood. I will listen to the conversation and act for " + self.Name() + " when an agreement comes up."),
		}},
	)
	a.log.Info("started for %s (%s)", self.Name(), self.Role)
}

// Stop cancels in-flight model calls and drops further input.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	a.mu.Unlock()
	a.cancel()
}

// SetNegotiating gates whether debounced transcript batches wake the model.
func (a *Agent) SetNegotiating(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.negotiating = active
}

// AddTranscript buffers a final line and flushes the batch after the debounce window.
func (a *Agent) AddTranscript(line entity.TranscriptLine) {
	if strings.TrimSpace(line.Text) == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.transcript = append(a.transcript, fmt.Sprintf("%s: %s", line.Speaker, line.Text))
	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.debounce = time.AfterFunc(a.cfg.TranscriptDebounce, a.flushTranscript)
}

func (a *Agent) flushTranscript() {
	a.mu.Lock()
	if a.stopped || len(a.transcript) == 0 {
		a.mu.Unlock()
		return
	}
	batch := strings.Join(a.transcript, "\n")
	a.transcript = nil
	a.debounce = nil
	a.enqueueLocked(service.UserText("[Conversation transcript]\n" + batch))
	wake := a.negotiating
	if wake && a.processing {
		a.rerun = true
	}
	a.mu.Unlock()

	if wake {
		a.run()
	}
}

// StartNegotiation tells the agent that both parties agreed to negotiate and it should open.
func (a *Agent) StartNegotiation(trigger entity.TriggerEvent, counterpart entity.UserProfile) {
	a.mu.Lock()
	a.negotiating = true
	a.enqueueLocked(service.UserText(fmt.Sprintf(
		"[System] Both participants signalled they want to reach an agreement (%s trigger: %q). "+
			"You are the initiator. Use propose_deal to send %s a structured proposal based on the conversation so far.",
		trigger.Type, trigger.MatchedText, counterpart.Name())))
	if a.processing {
		a.rerun = true
	}
	a.mu.Unlock()
	a.run()
}

// ReceivePeerMessage queues a message from the other agent and wakes the loop.
// A hand-off that closes the negotiation is only recorded; the room decides what
// happens next. The negotiating flag is owned by the room and never set here.
func (a *Agent) ReceivePeerMessage(msg peer.Message) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	text := "[Message from the other party's agent]\n" + msg.Body
	if len(msg.Payload) > 0 {
		text += "\n" + string(msg.Payload)
	}
	a.enqueueLocked(service.UserText(text))
	if closesNegotiation(msg) {
		a.mu.Unlock()
		a.log.Debug("recorded closing %s hand-off from %s", msg.Kind, msg.From)
		return
	}
	if a.processing {
		a.rerun = true
	}
	a.mu.Unlock()
	a.run()
}

func closesNegotiation(msg peer.Message) bool {
	if msg.Kind != peer.KindNegotiation || len(msg.Payload) == 0 {
		return false
	}
	var payload peerNegotiationPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return false
	}
	return entity.NegotiationStatus(payload.Status).IsTerminal()
}

// Note records a system fact in history without waking the model.
func (a *Agent) Note(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.enqueueLocked(service.UserText("[System] " + text))
}

func (a *Agent) History() []service.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]service.Message(nil), a.history...)
}

func (a *Agent) RequestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestCount
}

func (a *Agent) Processing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processing
}

// enqueueLocked appends straight to history when idle. While a loop is running,
// messages wait in pending so a tool_use is always directly followed by its result.
func (a *Agent) enqueueLocked(msg service.Message) {
	if a.processing {
		a.pending = append(a.pending, msg)
		return
	}
	a.appendLocked(msg)
}

func (a *Agent) appendLocked(msg service.Message) {
	a.history = append(a.history, msg)
	a.trimLocked()
}

// trimLocked keeps the framing head and the most recent tail once history exceeds the limit.
func (a *Agent) trimLocked() {
	if a.cfg.HistoryLimit <= 0 || len(a.history) <= a.cfg.HistoryLimit {
		return
	}
	head := a.cfg.HistoryKeepHead
	tail := a.cfg.HistoryKeepTail
	if head+tail >= len(a.history) {
		return
	}
	trimmed := make([]service.Message, 0, head+tail)
	trimmed = append(trimmed, a.history[:head]...)
	trimmed = append(trimmed, a.history[len(a.history)-tail:]...)

	// The first tail message may answer a tool_use that was cut away.
	first := trimmed[head]
	content := make([]service.ContentBlock, len(first.Content))
	for i, block := range first.Content {
		if block.Type == service.BlockToolResult {
			block = service.TextBlock("[Earlier tool result] " + block.Content)
		}
		content[i] = block
	}
	trimmed[head] = service.Message{Role: first.Role, Content: content}
	a.history = trimmed
	a.log.Debug("history trimmed to %d messages", len(a.history))
}

// run drives the model until it stops calling tools. A second entry while a
// loop is running returns at once; the running loop picks up its input afterwards.
func (a *Agent) run() {
	a.mu.Lock()
	if a.stopped || !a.started || a.processing || a.model == nil {
		a.mu.Unlock()
		return
	}
	a.processing = true
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("agent loop panicked: %v", r)
			a.mu.Lock()
			a.finishLocked()
			a.mu.Unlock()
		}
	}()

	for {
		a.loop()

		a.mu.Lock()
		if !a.rerun || a.stopped {
			a.finishLocked()
			a.mu.Unlock()
			return
		}
		a.rerun = false
		a.mu.Unlock()
	}
}

// finishLocked ends a run. Input that arrived without asking for another pass stays in history.
func (a *Agent) finishLocked() {
	a.processing = false
	a.rerun = false
	for _, msg := range a.pending {
		a.appendLocked(msg)
	}
	a.pending = nil
}

func (a *Agent) loop() {
	for depth := 0; ; depth++ {
		if depth >= a.cfg.MaxDepth {
			a.log.Warn("tool loop limit of %d reached", a.cfg.MaxDepth)
			a.sendText(AgentTextNotice, "I've reached my step limit for this turn and paused. I'll continue when there's something new.")
			return
		}

		req, ok := a.buildRequest()
		if !ok {
			return
		}

		resp, err := a.model.CreateMessage(a.ctx, req)
		a.mu.Lock()
		a.requestCount++
		a.mu.Unlock()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Error("model request failed: %v", err)
			a.sendText(AgentTextError, "I couldn't reach the assistant service just now. I'll try again on the next update.")
			return
		}

		if len(resp.Content) > 0 {
			a.mu.Lock()
			a.appendLocked(service.Message{Role: service.RoleAssistant, Content: resp.Content})
			a.mu.Unlock()
		}
		if text := strings.TrimSpace(resp.Text()); text != "" {
			a.sendText(AgentTextMessage, text)
		}

		uses := resp.ToolUses()
		if resp.StopReason != service.StopToolUse || len(uses) == 0 {
			return
		}

		results := make([]service.ContentBlock, 0, len(uses))
		for _, use := range uses {
			content, isError := a.executeTool(use)
			results = append(results, service.ToolResultBlock(use.ID, content, isError))
		}
		a.mu.Lock()
		a.appendLocked(service.Message{Role: service.RoleUser, Content: results})
		a.mu.Unlock()
	}
}

// buildRequest folds pending input into history and snapshots the request.
func (a *Agent) buildRequest() (service.MessageRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return service.MessageRequest{}, false
	}
	for _, msg := range a.pending {
		a.appendLocked(msg)
	}
	a.pending = nil
	a.rerun = false

	defs := make([]service.ToolDefinition, 0, len(a.toolOrder))
	for _, name := range a.toolOrder {
		defs = append(defs, a.tools[name].Definition)
	}
	return service.MessageRequest{
		Model:     a.llm.Model,
		MaxTokens: a.llm.MaxTokens,
		System:    a.system,
		Messages:  append([]service.Message(nil), a.history...),
		Tools:     defs,
	}, true
}

// executeTool never lets a tool failure escape; errors and panics become result text.
func (a *Agent) executeTool(use service.ContentBlock) (content string, isError bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("tool %s panicked: %v", use.Name, r)
			content = fmt.Sprintf("Error: tool %s failed: %v", use.Name, r)
			isError = true
		}
	}()

	a.mu.Lock()
	tool, ok := a.tools[use.Name]
	a.mu.Unlock()
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", use.Name), true
	}

	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	out, err := tool.Handler(a.ctx, input)
	if err != nil {
		a.log.Warn("tool %s returned error: %v", use.Name, err)
		return "Error: " + err.Error(), true
	}
	return out, false
}

func (a *Agent) sendText(kind, text string) {
	a.notify(service.Notification{
		Type: service.NotifyAgentText,
		Data: AgentText{UserID: a.userID, Text: text, Kind: kind},
	})
}
