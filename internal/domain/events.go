package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEvent is published to the message broker on every escrow
// transition so downstream services (notifications, analytics) can react
// without coupling to the ledger.
type PaymentEvent struct {
	PaymentID   uuid.UUID     `json:"payment_id"`
	ProjectID   uuid.UUID     `json:"project_id"`
	BGID        uuid.UUID     `json:"bg_id"`
	Status      PaymentStatus `json:"status"`
	AmountTotal int64         `json:"amount_total"`
	AmountToBG  int64         `json:"amount_to_bg"`
	PlatformFee int64         `json:"platform_fee"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ProcessorStatusEvent is the asynchronous intent/transfer status update
// consumed from the processor's event feed. It carries the same information
// as the webhook confirmation path.
type ProcessorStatusEvent struct {
	IntentID   string `json:"intent_id"`
	TransferID string `json:"transfer_id,omitempty"`
	Status     string `json:"status"` // succeeded | failed | processing
	Reason     string `json:"reason,omitempty"`
}
