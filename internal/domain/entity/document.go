package entity

import "time"

type DocumentStatus string

const (
	DocumentPendingSignatures DocumentStatus = "pending_signatures"
	DocumentSigned            DocumentStatus = "signed"
	DocumentCompleted         DocumentStatus = "completed"
)

// Parties names the two sides of an agreement. The provider receives funds, the client pays.
type Parties struct {
	ProviderID   string `json:"provider_id" firestore:"providerId"`
	ProviderName string `json:"provider_name" firestore:"providerName"`
	ClientID     string `json:"client_id" firestore:"clientId"`
	ClientName   string `json:"client_name" firestore:"clientName"`
}

func (p Parties) Includes(userID string) bool {
	return userID == p.ProviderID || userID == p.ClientID
}

type Document struct {
	ID            string               `json:"id" firestore:"id"`
	RoomID        string               `json:"room_id" firestore:"roomId"`
	NegotiationID string               `json:"negotiation_id" firestore:"negotiationId"`
	Title         string               `json:"title" firestore:"title"`
	Content       string               `json:"content" firestore:"content"`
	Parties       Parties              `json:"parties" firestore:"parties"`
	Proposal      *AgentProposal       `json:"proposal" firestore:"proposal"`
	Milestones    []*Milestone         `json:"milestones" firestore:"milestones"`
	Signatures    map[string]time.Time `json:"signatures" firestore:"signatures"`
	Status        DocumentStatus       `json:"status" firestore:"status"`
	StorageURL    string               `json:"storage_url,omitempty" firestore:"storageUrl,omitempty"`
	CreatedAt     time.Time            `json:"created_at" firestore:"createdAt"`
	UpdatedAt     time.Time            `json:"updated_at" firestore:"updatedAt"`
}

func (d *Document) FullySigned() bool {
	return d.Signatures[d.Parties.ProviderID] != (time.Time{}) && d.Signatures[d.Parties.ClientID] != (time.Time{})
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Proposal = d.Proposal.Clone()
	out.Milestones = make([]*Milestone, len(d.Milestones))
	for i, m := range d.Milestones {
		out.Milestones[i] = m.Clone()
	}
	out.Signatures = make(map[string]time.Time, len(d.Signatures))
	for k, v := range d.Signatures {
		out.Signatures[k] = v
	}
	return &out
}
