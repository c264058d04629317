package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pactroom/internal/domain/entity"
	"pactroom/internal/domain/service"
	"pactroom/pkg/errors"
	"pactroom/pkg/logger"
)

type pendingTrigger struct {
	event entity.TriggerEvent
	seq   uint64
	timer *time.Timer
}

// handleTrigger is the rendezvous: a negotiation starts only when both
// participants trigger within the configured window.
func (uc *RoomManagerUseCase) handleTrigger(room *Room, ev entity.TriggerEvent) {
	log := logger.For("room", room.ID, ev.SpeakerID)

	room.mu.Lock()
	slot, ok := room.slots[ev.SpeakerID]
	if !ok {
		room.mu.Unlock()
		return
	}
	if !room.paired {
		room.mu.Unlock()
		log.Debug("ignoring %s trigger before pairing", ev.Type)
		slot.Detector.Reset()
		return
	}
	// A busy room drops the trigger but leaves the detector alone; reject,
	// expiry and completion re-arm it.
	if room.triggerInProgress || (room.negotiation != nil && room.negotiation.HasActive()) {
		room.mu.Unlock()
		log.Debug("ignoring %s trigger while a negotiation is in progress", ev.Type)
		return
	}

	if room.pending == nil {
		room.pendingSeq++
		seq := room.pendingSeq
		room.pending = &pendingTrigger{
			event: ev,
			seq:   seq,
			timer: time.AfterFunc(uc.cfg.Rooms.RendezvousWindow, func() {
				uc.expireTrigger(room, seq)
			}),
		}
		room.mu.Unlock()
		log.Info("%s trigger armed, waiting for the other participant", ev.Type)
		uc.broadcastStatus(room, fmt.Sprintf("%s wants to make an agreement", slot.Profile.Name()))
		return
	}

	if room.pending.event.SpeakerID == ev.SpeakerID {
		room.mu.Unlock()
		return
	}

	first := room.pending.event
	firstSlot, ok := room.slots[first.SpeakerID]
	uc.clearPendingLocked(room)
	if !ok {
		room.mu.Unlock()
		return
	}

	initiator, responder := firstSlot, slot
	initiatorEvent := first
	if uc.choosesSecond(firstSlot, first, slot, ev) {
		initiator, responder = slot, firstSlot
		initiatorEvent = ev
	}
	room.triggerInProgress = true
	room.initiatorID = initiator.Profile.UserID
	room.phase = RoomNegotiating
	responderProfile := responder.Profile
	initiatorAgent, responderAgent := initiator.Agent, responder.Agent
	room.mu.Unlock()

	dual := entity.TriggerEvent{
		Type:         entity.TriggerDualKeyword,
		Confidence:   math.Min(first.Confidence, ev.Confidence),
		MatchedText:  first.MatchedText + " | " + ev.MatchedText,
		Timestamp:    uc.now(),
		SpeakerID:    initiator.Profile.UserID,
		InferredRole: initiatorEvent.InferredRole,
	}
	log.Info("rendezvous complete; %s initiates", dual.SpeakerID)

	initiatorAgent.SetNegotiating(true)
	responderAgent.SetNegotiating(true)
	responderAgent.Note(fmt.Sprintf("Both participants want to reach an agreement. %s's agent will send a proposal; review it on your user's behalf.", initiator.Profile.Name()))
	uc.broadcastStatus(room, "Both participants agreed to negotiate")

	go initiatorAgent.StartNegotiation(dual, responderProfile)
}

// choosesSecond reports whether the later trigger's speaker should initiate.
// The provider side opens when exactly one participant is recognisably the
// provider; otherwise the speaker who completed the rendezvous opens.
func (uc *RoomManagerUseCase) choosesSecond(first *Slot, firstEv entity.TriggerEvent, second *Slot, secondEv entity.TriggerEvent) bool {
	firstProvider := uc.isProvider(first.Profile, firstEv)
	secondProvider := uc.isProvider(second.Profile, secondEv)
	if firstProvider != secondProvider {
		return secondProvider
	}
	return true
}

func (uc *RoomManagerUseCase) isProvider(profile entity.UserProfile, ev entity.TriggerEvent) bool {
	role := strings.ToLower(strings.TrimSpace(profile.Role))
	if role == "" {
		return ev.InferredRole == "provider"
	}
	for _, word := range uc.vocab.ProviderRoles {
		if word != "" && strings.Contains(role, strings.ToLower(word)) {
			return true
		}
	}
	return false
}

func (uc *RoomManagerUseCase) expireTrigger(room *Room, seq uint64) {
	room.mu.Lock()
	if room.pending == nil || room.pending.seq != seq {
		room.mu.Unlock()
		return
	}
	userID := room.pending.event.SpeakerID
	room.pending = nil
	var detector *TriggerDetector
	if slot, ok := room.slots[userID]; ok {
		detector = slot.Detector
	}
	room.mu.Unlock()

	if detector != nil {
		detector.Reset()
	}
	logger.For("room", room.ID, userID).Info("trigger window elapsed without the other participant")
	uc.broadcastStatus(room, "")
}

func (uc *RoomManagerUseCase) clearPendingLocked(room *Room) {
	if room.pending == nil {
		return
	}
	room.pending.timer.Stop()
	room.pending = nil
}

func (uc *RoomManagerUseCase) onNegotiationEvent(room *Room, ev NegotiationEvent) {
	uc.notifier.Broadcast(room.ID, service.Notification{Type: service.NotifyNegotiation, Data: ev})
	n := ev.Negotiation
	log := logger.For("negotiation", room.ID, n.ID)

	switch ev.Type {
	case NegotiationEventCreated:
		room.mu.Lock()
		room.phase = RoomNegotiating
		room.triggerInProgress = true
		if room.initiatorID == "" {
			room.initiatorID = n.InitiatorID
		}
		room.mu.Unlock()

	case NegotiationEventAgreed:
		room.mu.Lock()
		room.phase = RoomAgreed
		agents := uc.agentsLocked(room)
		room.mu.Unlock()
		for _, a := range agents {
			a.SetNegotiating(false)
		}
		log.Info("agreement reached after %d round(s)", len(n.Rounds))
		go uc.createAgreement(room, n)

	case NegotiationEventRejected, NegotiationEventExpired:
		room.mu.Lock()
		room.triggerInProgress = false
		room.initiatorID = ""
		uc.clearPendingLocked(room)
		if room.paired {
			room.phase = RoomActive
		}
		agents := uc.agentsLocked(room)
		detectors := uc.detectorsLocked(room)
		room.mu.Unlock()

		reason := n.ExpiryReason
		if reason == "" {
			reason = string(n.Status)
		}
		for _, d := range detectors {
			d.Reset()
		}
		for _, a := range agents {
			a.SetNegotiating(false)
			a.Note(fmt.Sprintf("Negotiation %s ended: %s. Keep listening; a new negotiation starts if both participants ask for one.", n.ID, reason))
		}
		log.Info("negotiation ended: %s", reason)
	}

	uc.broadcastStatus(room, "")
}

// createAgreement turns the accepted proposal into a document. The initiator
// is the provider.
func (uc *RoomManagerUseCase) createAgreement(room *Room, n *entity.Negotiation) {
	room.mu.Lock()
	parties := entity.Parties{
		ProviderID:   n.InitiatorID,
		ProviderName: n.InitiatorID,
		ClientID:     n.ResponderID,
		ClientName:   n.ResponderID,
	}
	if slot, ok := room.slots[n.InitiatorID]; ok {
		parties.ProviderName = slot.Profile.Name()
	}
	if slot, ok := room.slots[n.ResponderID]; ok {
		parties.ClientName = slot.Profile.Name()
	}
	transcript := append([]string(nil), room.transcript...)
	settlement := room.settlement
	room.mu.Unlock()

	doc, err := uc.documents.GenerateDocument(uc.ctx, n, n.CurrentProposal, parties, service.DocumentContext{
		RoomID:     room.ID,
		Transcript: transcript,
	})
	if err != nil {
		logger.For("room", room.ID).Error("failed to generate agreement for %s: %v", n.ID, err)
		for _, userID := range []string{n.InitiatorID, n.ResponderID} {
			uc.SendError(userID, err)
		}
		return
	}

	settlement.Attach(doc)
	uc.notifier.Broadcast(room.ID, service.Notification{Type: service.NotifyDocument, Data: doc})
	uc.broadcastStatus(room, "Agreement ready for signatures")
}

func (uc *RoomManagerUseCase) onSettlementComplete(room *Room, doc *entity.Document) {
	room.mu.Lock()
	room.phase = RoomCompleted
	room.triggerInProgress = false
	room.initiatorID = ""
	detectors := uc.detectorsLocked(room)
	agents := uc.agentsLocked(room)
	room.mu.Unlock()

	for _, d := range detectors {
		d.Reset()
	}
	for _, a := range agents {
		a.Note(fmt.Sprintf("Agreement %s is fully settled.", doc.ID))
	}
	logger.For("room", room.ID).Info("agreement %s settled", doc.ID)
	uc.broadcastStatus(room, "All milestones settled")
}

func (uc *RoomManagerUseCase) agentsLocked(room *Room) []*Agent {
	agents := make([]*Agent, 0, len(room.order))
	for _, id := range room.order {
		agents = append(agents, room.slots[id].Agent)
	}
	return agents
}

func (uc *RoomManagerUseCase) detectorsLocked(room *Room) []*TriggerDetector {
	detectors := make([]*TriggerDetector, 0, len(room.order))
	for _, id := range room.order {
		detectors = append(detectors, room.slots[id].Detector)
	}
	return detectors
}

// settlementFor resolves the room's attached agreement. Settlement work outlives
// the socket that asked for it.
func (uc *RoomManagerUseCase) settlementFor(ctx context.Context, roomID, userID string) (context.Context, *SettlementUseCase, error) {
	room, _, err := uc.lookup(roomID, userID)
	if err != nil {
		return nil, nil, err
	}
	if room.settlement.Document() == nil {
		return nil, nil, errors.NotFound("Document", nil)
	}
	return context.WithoutCancel(ctx), room.settlement, nil
}

// SignDocument records the user's signature. Once both parties have signed the
// payments are executed.
func (uc *RoomManagerUseCase) SignDocument(ctx context.Context, roomID, userID, documentID string) (*entity.Document, error) {
	ctx, settlement, err := uc.settlementFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	current := settlement.Document()
	if documentID != "" && documentID != current.ID {
		return nil, errors.NotFound("Document", nil)
	}

	signed, err := uc.documents.SignDocument(ctx, current.ID, userID)
	if err != nil {
		return nil, err
	}
	settlement.Refresh(signed)
	uc.notifier.Broadcast(roomID, service.Notification{Type: service.NotifyDocument, Data: signed})

	if !signed.FullySigned() {
		return signed, nil
	}

	summary, err := settlement.ExecutePayments(ctx)
	if err != nil {
		return nil, err
	}
	if !summary.AlreadyExecuted {
		message := fmt.Sprintf("Payments executed: %d succeeded", summary.Succeeded)
		if summary.Failed > 0 {
			message = fmt.Sprintf("Payments partially executed: %d succeeded, %d failed", summary.Succeeded, summary.Failed)
		}
		room, _ := uc.room(roomID)
		if room != nil {
			uc.broadcastStatus(room, message)
		}
	}
	return settlement.Document(), nil
}

func (uc *RoomManagerUseCase) ConfirmMilestone(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	ctx, settlement, err := uc.settlementFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return settlement.ConfirmMilestone(ctx, userID, milestoneID)
}

func (uc *RoomManagerUseCase) ProposeMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string, amount int64) (*entity.Milestone, error) {
	ctx, settlement, err := uc.settlementFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return settlement.ProposeMilestoneAmount(ctx, userID, milestoneID, amount)
}

func (uc *RoomManagerUseCase) ApproveMilestoneAmount(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	ctx, settlement, err := uc.settlementFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return settlement.ApproveMilestoneAmount(ctx, userID, milestoneID)
}

func (uc *RoomManagerUseCase) ReleaseEscrow(ctx context.Context, roomID, userID, milestoneID string) (*entity.Milestone, error) {
	ctx, settlement, err := uc.settlementFor(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	return settlement.ReleaseEscrow(ctx, userID, milestoneID)
}
