package domain

import "github.com/shopspring/decimal"

// Task statuses.
const (
	TaskOpen       = "open"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Bid statuses.
const (
	BidPending   = "pending"
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidWithdrawn = "withdrawn"
)

// Payment statuses.
const (
	PaymentPending  = "pending"
	PaymentHeld     = "held"
	PaymentReleased = "released"
	PaymentRefunded = "refunded"
	PaymentFailed   = "failed"
)

type Task struct {
	ID                 string          `json:"id"`
	ClientID           string          `json:"client_id"`
	Category           string          `json:"category"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Budget             decimal.Decimal `json:"budget"`
	CommissionRate     decimal.Decimal `json:"commission_rate"`
	Urgency            string          `json:"urgency"`
	Status             string          `json:"status" enum:"open,assigned,in_progress,completed,cancelled"`
	AssignedProviderID *string         `json:"assigned_provider_id,omitempty"`
	BidsCount          int             `json:"bids_count"`
	CancelReason       *string         `json:"cancel_reason,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	ExpiresAt          string          `json:"expires_at" format:"date-time"`
	AssignedAt         *string         `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt          *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string         `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt        *string         `json:"cancelled_at,omitempty" format:"date-time"`
}

type Bid struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	ProviderID   string          `json:"provider_id"`
	Amount       decimal.Decimal `json:"amount"`
	Message      string          `json:"message,omitempty"`
	Status       string          `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	ResponseNote *string         `json:"response_note,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	ExpiresAt    string          `json:"expires_at" format:"date-time"`
	RespondedAt  *string         `json:"responded_at,omitempty" format:"date-time"`
}

// Payment is the escrow record for a task. Exactly one non-failed payment
// may exist per task; Amount is always CommissionAmount + ProviderAmount.
type Payment struct {
	ID                 string          `json:"id"`
	TaskID             string          `json:"task_id"`
	ClientID           string          `json:"client_id"`
	ProviderID         string          `json:"provider_id"`
	Amount             decimal.Decimal `json:"amount"`
	CommissionAmount   decimal.Decimal `json:"commission_amount"`
	ProviderAmount     decimal.Decimal `json:"provider_amount"`
	Method             string          `json:"method"`
	GatewayRef         *string         `json:"gateway_ref,omitempty"`
	Status             string          `json:"status" enum:"pending,held,released,refunded,failed"`
	DisputeReason      *string         `json:"dispute_reason,omitempty"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	HeldAt             *string         `json:"held_at,omitempty" format:"date-time"`
	ReleaseScheduledAt *string         `json:"release_scheduled_at,omitempty" format:"date-time"`
	ReleasedAt         *string         `json:"released_at,omitempty" format:"date-time"`
	DisputedAt         *string         `json:"disputed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
