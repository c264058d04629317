package service

// Outbound notification types.
const (
	NotifyStatus         = "status"
	NotifyTranscript     = "transcript"
	NotifyNegotiation    = "negotiation"
	NotifyDocument       = "document"
	NotifyMilestone      = "milestone"
	NotifyPaymentReceipt = "payment_receipt"
	NotifyExecutionStep  = "execution_step"
	NotifyAgentText      = "agent_text"
	NotifyError          = "error"
)

type Notification struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Notifier delivers notifications to a room's panels or to one user.
type Notifier interface {
	Broadcast(roomID string, msg Notification)
	SendToUser(userID string, msg Notification)
}
