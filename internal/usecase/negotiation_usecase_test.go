package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pactroom/internal/domain/entity"
	"pactroom/pkg/config"
	"pactroom/pkg/errors"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []NegotiationEvent
}

func (r *eventRecorder) listen(ev NegotiationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []NegotiationEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NegotiationEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last() NegotiationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testProposal(amount int64) *entity.AgentProposal {
	return &entity.AgentProposal{
		Summary:  "Boiler repair",
		Currency: "gbp",
		LineItems: []entity.LineItem{
			{Description: "Call-out", Amount: amount, Type: entity.LineItemImmediate},
		},
	}
}

func slowNegotiationConfig() config.NegotiationConfig {
	return config.NegotiationConfig{MaxRounds: 5, RoundTimeout: time.Minute, TotalTimeout: time.Hour}
}

func TestNegotiationCreate(t *testing.T) {
	rec := &eventRecorder{}
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), rec.listen)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	assert.Equal(t, entity.NegotiationProposed, n.Status)
	assert.Equal(t, "alice", n.InitiatorID)
	assert.Equal(t, "bob", n.ResponderID)
	assert.Equal(t, int64(5000), n.CurrentProposal.TotalAmount)
	require.Len(t, n.Rounds, 1)
	assert.Equal(t, entity.RoundPropose, n.Rounds[0].Action)
	assert.Equal(t, []NegotiationEventType{NegotiationEventCreated}, rec.types())
	assert.True(t, p.HasActive())
}

func TestNegotiationCreateRejectsSecondActive(t *testing.T) {
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), nil)
	defer p.Destroy()

	_, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	_, err = p.Create("bob", "alice", testProposal(4000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNegotiationActive))
}

func TestNegotiationCreateValidatesProposal(t *testing.T) {
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), nil)
	defer p.Destroy()

	_, err := p.Create("alice", "bob", &entity.AgentProposal{Summary: "empty"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeBadRequest))
	assert.False(t, p.HasActive())
}

func TestNegotiationCounterThenAccept(t *testing.T) {
	rec := &eventRecorder{}
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), rec.listen)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	n, err = p.Handle(NegotiationMessage{Type: MessageAgentCounter, NegotiationID: n.ID, Proposal: testProposal(4500), Reason: "too high", FromAgent: "bob"})
	require.NoError(t, err)
	assert.Equal(t, entity.NegotiationCountering, n.Status)
	assert.Equal(t, int64(4500), n.CurrentProposal.TotalAmount)

	n, err = p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "alice"})
	require.NoError(t, err)
	assert.Equal(t, entity.NegotiationAccepted, n.Status)
	assert.Equal(t, int64(4500), n.CurrentProposal.TotalAmount)
	assert.Len(t, n.Rounds, 3)

	assert.Equal(t, []NegotiationEventType{NegotiationEventCreated, NegotiationEventUpdated, NegotiationEventAgreed}, rec.types())
	assert.False(t, p.HasActive())
	assert.Nil(t, p.Active())
	assert.Equal(t, entity.NegotiationAccepted, p.Current().Status)
}

func TestNegotiationPartyCannotAcceptOwnProposal(t *testing.T) {
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), nil)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	_, err = p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "alice"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
	assert.True(t, p.HasActive())
}

func TestNegotiationReject(t *testing.T) {
	rec := &eventRecorder{}
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), rec.listen)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	n, err = p.Handle(NegotiationMessage{Type: MessageAgentReject, NegotiationID: n.ID, Reason: "no budget", FromAgent: "bob"})
	require.NoError(t, err)
	assert.Equal(t, entity.NegotiationRejected, n.Status)
	assert.Equal(t, NegotiationEventRejected, rec.last().Type)

	// a new negotiation may start once the previous one is terminal
	_, err = p.Create("alice", "bob", testProposal(3000))
	assert.NoError(t, err)
}

func TestNegotiationIgnoresStaleMessages(t *testing.T) {
	rec := &eventRecorder{}
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), rec.listen)
	defer p.Destroy()

	_, err := p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: "unknown", FromAgent: "bob"})
	assert.ErrorIs(t, err, ErrNegotiationIgnored)

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)
	_, err = p.Handle(NegotiationMessage{Type: MessageAgentReject, NegotiationID: n.ID, FromAgent: "bob"})
	require.NoError(t, err)

	_, err = p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "bob"})
	assert.ErrorIs(t, err, ErrNegotiationIgnored)
	assert.Equal(t, entity.NegotiationRejected, p.Current().Status)
	assert.Len(t, rec.types(), 2)
}

func TestNegotiationRejectsOutsiders(t *testing.T) {
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), nil)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	_, err = p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "mallory"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNotAParty))
}

func TestNegotiationExpiresAfterMaxRounds(t *testing.T) {
	rec := &eventRecorder{}
	p := NewNegotiationProtocol("room-1", slowNegotiationConfig(), rec.listen)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	parties := []string{"bob", "alice"}
	for i := 0; i < 5; i++ {
		n, err = p.Handle(NegotiationMessage{
			Type:          MessageAgentCounter,
			NegotiationID: n.ID,
			Proposal:      testProposal(int64(4900 - i*100)),
			FromAgent:     parties[i%2],
		})
		require.NoError(t, err)
		require.Equal(t, entity.NegotiationCountering, n.Status)
	}
	assert.Equal(t, 5, n.CounterCount())

	n, err = p.Handle(NegotiationMessage{Type: MessageAgentCounter, NegotiationID: n.ID, Proposal: testProposal(4000), FromAgent: "bob"})
	require.NoError(t, err)
	assert.Equal(t, entity.NegotiationExpired, n.Status)
	assert.Equal(t, "maximum rounds reached", n.ExpiryReason)
	assert.Equal(t, 5, n.CounterCount())
	assert.Equal(t, NegotiationEventExpired, rec.last().Type)
}

func TestNegotiationRoundTimeout(t *testing.T) {
	rec := &eventRecorder{}
	cfg := config.NegotiationConfig{MaxRounds: 5, RoundTimeout: 40 * time.Millisecond, TotalTimeout: time.Hour}
	p := NewNegotiationProtocol("room-1", cfg, rec.listen)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current := p.Current()
		return current.Status == entity.NegotiationExpired
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "round timeout", p.Current().ExpiryReason)
	_, err = p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "bob"})
	assert.ErrorIs(t, err, ErrNegotiationIgnored)
}

func TestNegotiationCounterResetsRoundTimer(t *testing.T) {
	cfg := config.NegotiationConfig{MaxRounds: 5, RoundTimeout: 120 * time.Millisecond, TotalTimeout: time.Hour}
	p := NewNegotiationProtocol("room-1", cfg, nil)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = p.Handle(NegotiationMessage{Type: MessageAgentCounter, NegotiationID: n.ID, Proposal: testProposal(4500), FromAgent: "bob"})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, p.HasActive(), "counter should have re-armed the round timer")

	require.Eventually(t, func() bool { return !p.HasActive() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "round timeout", p.Current().ExpiryReason)
}

func TestNegotiationTotalTimeout(t *testing.T) {
	cfg := config.NegotiationConfig{MaxRounds: 5, RoundTimeout: time.Hour, TotalTimeout: 30 * time.Millisecond}
	p := NewNegotiationProtocol("room-1", cfg, nil)
	defer p.Destroy()

	_, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !p.HasActive() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "total timeout", p.Current().ExpiryReason)
}

func TestNegotiationTotalTimeoutWinsOverSteadyCounters(t *testing.T) {
	cfg := config.NegotiationConfig{MaxRounds: 50, RoundTimeout: 80 * time.Millisecond, TotalTimeout: 200 * time.Millisecond}
	p := NewNegotiationProtocol("room-1", cfg, nil)
	defer p.Destroy()

	started := time.Now()
	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	authors := []string{"bob", "alice"}
	for i := 0; p.HasActive(); i++ {
		time.Sleep(40 * time.Millisecond)
		_, err := p.Handle(NegotiationMessage{
			Type:          MessageAgentCounter,
			NegotiationID: n.ID,
			Proposal:      testProposal(int64(5000 - 10*(i+1))),
			FromAgent:     authors[i%2],
		})
		if err != nil {
			require.ErrorIs(t, err, ErrNegotiationIgnored)
			break
		}
		require.Less(t, i, 20, "counters kept the negotiation alive past the total timeout")
	}

	elapsed := time.Since(started)
	current := p.Current()
	assert.Equal(t, entity.NegotiationExpired, current.Status)
	assert.Equal(t, "total timeout", current.ExpiryReason)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Greater(t, current.CounterCount(), 2)
}

func TestNegotiationRoundsHoldProposeCountersAndDecision(t *testing.T) {
	cfg := config.NegotiationConfig{MaxRounds: 2, RoundTimeout: time.Minute, TotalTimeout: time.Hour}
	p := NewNegotiationProtocol("room-1", cfg, nil)
	defer p.Destroy()

	n, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)
	_, err = p.Handle(NegotiationMessage{Type: MessageAgentCounter, NegotiationID: n.ID, Proposal: testProposal(4500), FromAgent: "bob"})
	require.NoError(t, err)
	_, err = p.Handle(NegotiationMessage{Type: MessageAgentCounter, NegotiationID: n.ID, Proposal: testProposal(4800), FromAgent: "alice"})
	require.NoError(t, err)

	done, err := p.Handle(NegotiationMessage{Type: MessageAgentAccept, NegotiationID: n.ID, FromAgent: "bob"})
	require.NoError(t, err)
	assert.Equal(t, entity.NegotiationAccepted, done.Status)
	assert.Equal(t, 2, done.CounterCount())
	assert.Len(t, done.Rounds, cfg.MaxRounds+2)
}

func TestNegotiationAbortAndDestroy(t *testing.T) {
	rec := &eventRecorder{}
	cfg := config.NegotiationConfig{MaxRounds: 5, RoundTimeout: 30 * time.Millisecond, TotalTimeout: time.Hour}
	p := NewNegotiationProtocol("room-1", cfg, rec.listen)

	_, err := p.Create("alice", "bob", testProposal(5000))
	require.NoError(t, err)

	p.Abort("participant left")
	p.Destroy()
	assert.Equal(t, entity.NegotiationExpired, p.Current().Status)
	assert.Equal(t, "participant left", p.Current().ExpiryReason)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []NegotiationEventType{NegotiationEventCreated, NegotiationEventExpired}, rec.types())

	_, err = p.Create("alice", "bob", testProposal(5000))
	assert.True(t, errors.Is(err, errors.CodeInvalidState))
}
