package entity

// UserProfile is what a participant tells the room about themselves.
type UserProfile struct {
	UserID        string `json:"user_id" firestore:"userId"`
	DisplayName   string `json:"display_name" firestore:"displayName"`
	Role          string `json:"role,omitempty" firestore:"role,omitempty"`
	BankAccountID string `json:"bank_account_id,omitempty" firestore:"bankAccountId,omitempty"`
}

func (p UserProfile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}
