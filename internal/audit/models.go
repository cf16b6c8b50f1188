package audit

import "time"

// Event is an append-only admin audit record. Events are never updated or
// deleted; the table should carry an INSERT-only policy.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// TargetID is the listener, wallet owner or config the action touched.
	TargetID string `json:"target_id,omitempty" db:"target_id"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventListenerRates EventType = "listener_rates"
	EventOfferConfig   EventType = "offer_config"
	EventWalletCredit  EventType = "wallet_credit"
	EventBusyReset     EventType = "busy_reset"
)

// Actor is who performed an admin action.
type Actor struct {
	UserID string
	Role   string
	IP     string
}
