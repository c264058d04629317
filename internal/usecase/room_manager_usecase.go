package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/peer"
	"pactroom/pkg/config"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

const (
	RoomWaiting     = "waiting"
	RoomActive      = "active"
	RoomNegotiating = "negotiating"
	RoomAgreed      = "agreed"
	RoomCompleted   = "completed"
)

const roomTranscriptLimit = 200

// RoomStatus is the snapshot sent to panels and returned by the room listing.
type RoomStatus struct {
	RoomID            string               `json:"room_id"`
	Status            string               `json:"status"`
	Participants      []entity.UserProfile `json:"participants"`
	Paired            bool                 `json:"paired"`
	PendingTriggerBy  string               `json:"pending_trigger_by,omitempty"`
	NegotiationID     string               `json:"negotiation_id,omitempty"`
	NegotiationStatus string               `json:"negotiation_status,omitempty"`
	DocumentID        string               `json:"document_id,omitempty"`
	DocumentStatus    string               `json:"document_status,omitempty"`
	Message           string               `json:"message,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// Room is one conversation between at most two participants.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu                sync.Mutex
	slots             map[string]*Slot
	order             []string
	paired            bool
	phase             string
	triggerInProgress bool
	pending           *pendingTrigger
	pendingSeq        uint64
	initiatorID       string
	negotiation       *NegotiationProtocol
	settlement        *SettlementUseCase
	transcript        []string
}

// Slot holds everything owned by one participant of a room.
type Slot struct {
	Profile     entity.UserProfile
	JoinedAt    time.Time
	Transcriber service.Transcriber
	Agent       *Agent
	Detector    *TriggerDetector
	Peer        *peer.Endpoint

	audioAttached bool
	panelAttached bool
}

type RoomManagerDeps struct {
	Config       *config.Config
	Vocabulary   config.Vocabulary
	Model        service.LanguageModel
	Payments     service.PaymentProcessor
	Balances     service.BalanceReader
	Documents    service.DocumentStore
	Notifier     service.Notifier
	Transcribers service.TranscriberFactory
}

// RoomManagerUseCase owns the room registry and every per-room component.
type RoomManagerUseCase struct {
	cfg          *config.Config
	vocab        config.Vocabulary
	model        service.LanguageModel
	payments     service.PaymentProcessor
	balances     service.BalanceReader
	documents    service.DocumentStore
	notifier     service.Notifier
	transcribers service.TranscriberFactory
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRoomManagerUseCase(deps RoomManagerDeps) *RoomManagerUseCase {
	transcribers := deps.Transcribers
	if transcribers == nil {
		transcribers = service.NewTextTranscriber
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomManagerUseCase{
		cfg:          deps.Config,
		vocab:        deps.Vocabulary,
		model:        deps.Model,
		payments:     deps.Payments,
		balances:     deps.Balances,
		documents:    deps.Documents,
		notifier:     deps.Notifier,
		transcribers: transcribers,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		rooms:        make(map[string]*Room),
	}
}

// JoinRoom places the user in the room, creating it if needed. The second
// participant pairs the room. Joining again only refreshes the profile.
func (uc *RoomManagerUseCase) JoinRoom(ctx context.Context, roomID string, profile entity.UserProfile) error {
	if roomID == "" || profile.UserID == "" {
		return errors.BadRequest("room id and user id are required", nil)
	}
	log := logger.For("room", roomID, profile.UserID)

	uc.mu.Lock()
	room, exists := uc.rooms[roomID]
	if !exists {
		if len(uc.rooms) >= uc.cfg.Rooms.MaxRooms {
			uc.mu.Unlock()
			log.Warn("join refused: %d rooms already open", len(uc.rooms))
			return errors.RoomLimit(uc.cfg.Rooms.MaxRooms)
		}
		room = uc.newRoom(roomID)
		uc.rooms[roomID] = room
		log.Info("room created")
	}

	room.mu.Lock()
	if slot, ok := room.slots[profile.UserID]; ok {
		slot.Profile = mergeProfile(slot.Profile, profile)
		room.mu.Unlock()
		uc.mu.Unlock()
		log.Info("re-joined, profile refreshed")
		uc.broadcastStatus(room, "")
		return nil
	}
	if len(room.slots) >= uc.cfg.Rooms.MaxUsersPerRoom {
		room.mu.Unlock()
		uc.mu.Unlock()
		log.Warn("join refused: room is full")
		return errors.RoomFull(roomID)
	}

	slot := uc.newSlot(room, profile)
	room.slots[profile.UserID] = slot
	room.order = append(room.order, profile.UserID)
	shouldPair := len(room.slots) == 2 && !room.paired
	room.mu.Unlock()
	uc.mu.Unlock()

	if err := slot.Transcriber.Start(uc.ctx); err != nil {
		log.Error("transcriber failed to start: %v", err)
		uc.SendError(profile.UserID, errors.Unavailable("speech recognition is unavailable", err))
	}
	log.Info("joined as %s", profile.Name())

	if shouldPair {
		uc.pair(room)
	}
	uc.broadcastStatus(room, "")
	return nil
}

// LeaveRoom releases the user's resources. The remaining participant is unpaired
// and any open negotiation is aborted. An empty room is destroyed.
func (uc *RoomManagerUseCase) LeaveRoom(roomID, userID string) {
	log := logger.For("room", roomID, userID)

	uc.mu.Lock()
	room, ok := uc.rooms[roomID]
	if !ok {
		uc.mu.Unlock()
		return
	}
	room.mu.Lock()
	slot, ok := room.slots[userID]
	if !ok {
		room.mu.Unlock()
		uc.mu.Unlock()
		return
	}

	delete(room.slots, userID)
	for i, id := range room.order {
		if id == userID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}

	var (
		protocol  *NegotiationProtocol
		remaining []*Slot
		oldAgents []*Agent
	)
	if room.paired && len(room.slots) < 2 {
		room.paired = false
		room.phase = RoomWaiting
		protocol = room.negotiation
		room.negotiation = nil
		room.triggerInProgress = false
		room.initiatorID = ""
		uc.clearPendingLocked(room)
		for _, other := range room.slots {
			remaining = append(remaining, other)
			oldAgents = append(oldAgents, other.Agent)
			other.Agent = uc.newAgent(room, other.Profile.UserID)
			other.Peer = nil
		}
	}
	empty := len(room.slots) == 0
	if empty {
		delete(uc.rooms, roomID)
	}
	room.mu.Unlock()
	uc.mu.Unlock()

	uc.releaseSlot(slot)
	if protocol != nil {
		protocol.Abort("participant left")
		protocol.Destroy()
		log.Info("room unpaired")
	}
	for _, agent := range oldAgents {
		agent.Stop()
	}
	for _, other := range remaining {
		other.Detector.Reset()
	}

	if empty {
		log.Info("left; room destroyed")
		return
	}
	log.Info("left")
	uc.broadcastStatus(room, "")
}

// pair wires the peer channel, negotiation protocol and agent tools once two users are present.
func (uc *RoomManagerUseCase) pair(room *Room) {
	room.mu.Lock()
	if room.paired || len(room.order) != 2 {
		room.mu.Unlock()
		return
	}
	a := room.slots[room.order[0]]
	b := room.slots[room.order[1]]
	endpointA, endpointB := peer.NewPair(a.Profile.UserID, b.Profile.UserID)
	a.Peer, b.Peer = endpointA, endpointB

	protocol := NewNegotiationProtocol(room.ID, uc.cfg.Negotiation, func(ev NegotiationEvent) {
		uc.onNegotiationEvent(room, ev)
	})
	room.negotiation = protocol
	room.paired = true
	room.phase = RoomActive
	if doc := room.settlement.Document(); doc != nil && doc.Status != entity.DocumentCompleted {
		room.phase = RoomAgreed
	}
	profileA, profileB := a.Profile, b.Profile
	agentA, agentB := a.Agent, b.Agent
	room.mu.Unlock()

	agentA.SetTools(NegotiationTools(uc.toolDeps(room, profileA, profileB, endpointA, protocol)))
	agentB.SetTools(NegotiationTools(uc.toolDeps(room, profileB, profileA, endpointB, protocol)))
	endpointA.SetHandler(agentA.ReceivePeerMessage)
	endpointB.SetHandler(agentB.ReceivePeerMessage)
	agentA.Start(profileA, profileB, uc.cfg.DefaultCurrency)
	agentB.Start(profileB, profileA, uc.cfg.DefaultCurrency)

	logger.For("room", room.ID).Info("paired %s with %s", profileA.UserID, profileB.UserID)
}

func (uc *RoomManagerUseCase) toolDeps(room *Room, self, counterpart entity.UserProfile, endpoint *peer.Endpoint, protocol *NegotiationProtocol) NegotiationToolDeps {
	return NegotiationToolDeps{
		Self:        self,
		Counterpart: counterpart,
		Protocol:    protocol,
		Peer:        endpoint,
		Balances:    uc.balances,
		Currency:    uc.cfg.DefaultCurrency,
		MayPropose: func() bool {
			room.mu.Lock()
			defer room.mu.Unlock()
			return room.triggerInProgress && room.initiatorID != "" && room.initiatorID == self.UserID
		},
	}
}

func (uc *RoomManagerUseCase) newRoom(roomID string) *Room {
	room := &Room{
		ID:        roomID,
		CreatedAt: uc.now(),
		slots:     make(map[string]*Slot),
		phase:     RoomWaiting,
	}
	room.settlement = NewSettlementUseCase(roomID, uc.payments, uc.documents, uc.notifier)
	room.settlement.OnComplete(func(doc *entity.Document) {
		uc.onSettlementComplete(room, doc)
	})
	return room
}

func (uc *RoomManagerUseCase) newSlot(room *Room, profile entity.UserProfile) *Slot {
	userID := profile.UserID
	slot := &Slot{
		Profile:  profile,
		JoinedAt: uc.now(),
		Agent:    uc.newAgent(room, userID),
		Detector: NewTriggerDetector(TriggerDetectorParams{
			UserID:   userID,
			RoomID:   room.ID,
			Keywords: uc.vocab.Keywords,
			Trigger:  uc.cfg.Trigger,
			LLM:      uc.cfg.LLM,
			Model:    uc.model,
			OnTrigger: func(ev entity.TriggerEvent) {
				uc.handleTrigger(room, ev)
			},
		}),
	}
	slot.Transcriber = uc.transcribers(room.ID, userID, &slotTranscript{uc: uc, room: room, userID: userID})
	return slot
}

func (uc *RoomManagerUseCase) newAgent(room *Room, userID string) *Agent {
	return NewAgent(AgentParams{
		UserID: userID,
		RoomID: room.ID,
		Model:  uc.model,
		Agent:  uc.cfg.Agent,
		LLM:    uc.cfg.LLM,
		Notify: func(n service.Notification) {
			uc.notifier.SendToUser(userID, n)
		},
	})
}

func (uc *RoomManagerUseCase) releaseSlot(slot *Slot) {
	slot.Agent.Stop()
	slot.Detector.Stop()
	if err := slot.Transcriber.Stop(); err != nil {
		logger.Warn("failed to stop transcriber for %s: %v", slot.Profile.UserID, err)
	}
	if slot.Peer != nil {
		slot.Peer.ClosePair()
	}
}

// SetProfile updates what the room shows for a participant.
func (uc *RoomManagerUseCase) SetProfile(roomID, userID string, profile entity.UserProfile) error {
	room, err := uc.room(roomID)
	if err != nil {
		return err
	}
	room.mu.Lock()
	slot, ok := room.slots[userID]
	if !ok {
		room.mu.Unlock()
		return errors.NotFound("Participant", nil)
	}
	profile.UserID = userID
	slot.Profile = mergeProfile(slot.Profile, profile)
	room.mu.Unlock()

	uc.broadcastStatus(room, "")
	return nil
}

// SetTriggerKeyword adds a phrase that arms the participant's trigger.
func (uc *RoomManagerUseCase) SetTriggerKeyword(roomID, userID, keyword string) error {
	_, slot, err := uc.lookup(roomID, userID)
	if err != nil {
		return err
	}
	if !slot.Detector.AddKeyword(keyword) {
		return errors.BadRequest("keyword is empty or already registered", nil)
	}
	logger.For("room", roomID, userID).Info("added trigger keyword %q", keyword)
	return nil
}

func (uc *RoomManagerUseCase) room(roomID string) (*Room, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	room, ok := uc.rooms[roomID]
	if !ok {
		return nil, errors.NotFound("Room", nil)
	}
	return room, nil
}

func (uc *RoomManagerUseCase) lookup(roomID, userID string) (*Room, *Slot, error) {
	room, err := uc.room(roomID)
	if err != nil {
		return nil, nil, err
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	slot, ok := room.slots[userID]
	if !ok {
		return nil, nil, errors.NotFound("Participant", nil)
	}
	return room, slot, nil
}

// waitForSlot covers a socket that connects while its join is still in flight.
func (uc *RoomManagerUseCase) waitForSlot(ctx context.Context, roomID, userID string) (*Room, *Slot, error) {
	attempts := uc.cfg.Rooms.SocketWaitAttempts
	for attempt := 0; ; attempt++ {
		room, slot, err := uc.lookup(roomID, userID)
		if err == nil {
			return room, slot, nil
		}
		if attempt >= attempts {
			return nil, nil, err
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(uc.cfg.Rooms.SocketWaitInterval):
		}
	}
}

// AudioStream feeds one participant's audio socket into their transcriber.
type AudioStream struct {
	uc     *RoomManagerUseCase
	room   *Room
	userID string
	sink   service.Transcriber
}

func (s *AudioStream) Write(chunk []byte) error {
	return s.sink.Write(chunk)
}

// WriteText feeds an already-transcribed final line, bypassing the transcriber.
func (s *AudioStream) WriteText(text string) {
	s.uc.onTranscript(s.room, s.userID, text, true, nil)
}

func (s *AudioStream) Close() error {
	s.room.mu.Lock()
	if slot, ok := s.room.slots[s.userID]; ok && slot.Transcriber == s.sink {
		slot.audioAttached = false
	}
	s.room.mu.Unlock()
	return s.sink.Flush()
}

// RegisterAudioSocket binds an audio connection to the user's slot, waiting briefly for the join.
func (uc *RoomManagerUseCase) RegisterAudioSocket(ctx context.Context, roomID, userID string) (*AudioStream, error) {
	room, slot, err := uc.waitForSlot(ctx, roomID, userID)
	if err != nil {
		logger.For("room", roomID, userID).Warn("audio socket has no slot: %v", err)
		return nil, err
	}
	room.mu.Lock()
	slot.audioAttached = true
	transcriber := slot.Transcriber
	room.mu.Unlock()

	if err := transcriber.ResumeFromMute(); err != nil {
		logger.For("room", roomID, userID).Warn("failed to resume transcriber: %v", err)
	}
	logger.For("room", roomID, userID).Info("audio socket attached")
	return &AudioStream{uc: uc, room: room, userID: userID, sink: transcriber}, nil
}

// RegisterPanelSocket waits for the user's slot and sends them the current room state.
func (uc *RoomManagerUseCase) RegisterPanelSocket(ctx context.Context, roomID, userID string) error {
	room, slot, err := uc.waitForSlot(ctx, roomID, userID)
	if err != nil {
		logger.For("room", roomID, userID).Warn("panel socket has no slot: %v", err)
		return err
	}
	room.mu.Lock()
	slot.panelAttached = true
	protocol := room.negotiation
	room.mu.Unlock()

	uc.notifier.SendToUser(userID, service.Notification{Type: service.NotifyStatus, Data: uc.status(room, "")})
	if protocol != nil {
		if current := protocol.Current(); current != nil {
			uc.notifier.SendToUser(userID, service.Notification{
				Type: service.NotifyNegotiation,
				Data: NegotiationEvent{Type: NegotiationEventUpdated, Negotiation: current},
			})
		}
	}
	if doc := room.settlement.Document(); doc != nil {
		uc.notifier.SendToUser(userID, service.Notification{Type: service.NotifyDocument, Data: doc})
	}
	logger.For("room", roomID, userID).Info("panel socket attached")
	return nil
}

// Rooms lists every open room ordered by id.
func (uc *RoomManagerUseCase) Rooms() []RoomStatus {
	uc.mu.Lock()
	rooms := make([]*Room, 0, len(uc.rooms))
	for _, room := range uc.rooms {
		rooms = append(rooms, room)
	}
	uc.mu.Unlock()

	statuses := make([]RoomStatus, 0, len(rooms))
	for _, room := range rooms {
		statuses = append(statuses, uc.status(room, ""))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].RoomID < statuses[j].RoomID })
	return statuses
}

func (uc *RoomManagerUseCase) RoomStatus(roomID string) (RoomStatus, error) {
	room, err := uc.room(roomID)
	if err != nil {
		return RoomStatus{}, err
	}
	return uc.status(room, ""), nil
}

// Shutdown removes every participant from every room.
func (uc *RoomManagerUseCase) Shutdown() {
	uc.mu.Lock()
	type member struct{ roomID, userID string }
	var members []member
	for roomID, room := range uc.rooms {
		room.mu.Lock()
		for _, userID := range room.order {
			members = append(members, member{roomID, userID})
		}
		room.mu.Unlock()
	}
	uc.mu.Unlock()

	for _, m := range members {
		uc.LeaveRoom(m.roomID, m.userID)
	}
	uc.cancel()
}

func (uc *RoomManagerUseCase) status(room *Room, message string) RoomStatus {
	room.mu.Lock()
	status := RoomStatus{
		RoomID:    room.ID,
		Status:    room.phase,
		Paired:    room.paired,
		Message:   message,
		CreatedAt: room.CreatedAt,
	}
	for _, userID := range room.order {
		status.Participants = append(status.Participants, room.slots[userID].Profile)
	}
	if room.pending != nil {
		status.PendingTriggerBy = room.pending.event.SpeakerID
	}
	protocol := room.negotiation
	settlement := room.settlement
	room.mu.Unlock()

	if protocol != nil {
		if current := protocol.Current(); current != nil {
			status.NegotiationID = current.ID
			status.NegotiationStatus = string(current.Status)
		}
	}
	if doc := settlement.Document(); doc != nil {
		status.DocumentID = doc.ID
		status.DocumentStatus = string(doc.Status)
	}
	return status
}

func (uc *RoomManagerUseCase) broadcastStatus(room *Room, message string) {
	uc.notifier.Broadcast(room.ID, service.Notification{Type: service.NotifyStatus, Data: uc.status(room, message)})
}

// ErrorPayload is the body of a user-directed error notification.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendError tells one user that their request failed.
func (uc *RoomManagerUseCase) SendError(userID string, err error) {
	payload := ErrorPayload{Code: errors.CodeOf(err), Message: errors.MessageOf(err)}
	uc.notifier.SendToUser(userID, service.Notification{Type: service.NotifyError, Data: payload})
}

type slotTranscript struct {
	uc     *RoomManagerUseCase
	room   *Room
	userID string
}

func (h *slotTranscript) OnPartial(text string) {
	h.uc.onTranscript(h.room, h.userID, text, false, nil)
}

func (h *slotTranscript) OnFinal(text string, words []entity.WordTiming) {
	h.uc.onTranscript(h.room, h.userID, text, true, words)
}

// onTranscript broadcasts a recognized line. Final lines also feed every
// participant's trigger detector and agent.
func (uc *RoomManagerUseCase) onTranscript(room *Room, userID, text string, final bool, words []entity.WordTiming) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	room.mu.Lock()
	slot, ok := room.slots[userID]
	if !ok {
		room.mu.Unlock()
		return
	}
	line := entity.TranscriptLine{
		SpeakerID: userID,
		Speaker:   slot.Profile.Name(),
		Text:      text,
		Final:     final,
		Words:     words,
		Timestamp: uc.now(),
	}
	var (
		detectors []*TriggerDetector
		agents    []*Agent
	)
	if final {
		room.transcript = append(room.transcript, line.Speaker+": "+text)
		if len(room.transcript) > roomTranscriptLimit {
			room.transcript = room.transcript[len(room.transcript)-roomTranscriptLimit:]
		}
		for _, id := range room.order {
			detectors = append(detectors, room.slots[id].Detector)
			agents = append(agents, room.slots[id].Agent)
		}
	}
	room.mu.Unlock()

	uc.notifier.Broadcast(room.ID, service.Notification{Type: service.NotifyTranscript, Data: line})
	for _, d := range detectors {
		d.Observe(line)
	}
	for _, a := range agents {
		a.AddTranscript(line)
	}
}

func mergeProfile(current, update entity.UserProfile) entity.UserProfile {
	if update.DisplayName != "" {
		current.DisplayName = update.DisplayName
	}
	if update.Role != "" {
		current.Role = update.Role
	}
	if update.BankAccountID != "" {
		current.BankAccountID = update.BankAccountID
	}
	return current
}
