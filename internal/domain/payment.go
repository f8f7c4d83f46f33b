/**
 * @description
 * This file defines the escrow payment domain model. A Payment is the ledger
 * record for one funded site visit: the investor's money is captured by the
 * payment processor, held on the platform's behalf, and later released to the
 * BG's connected account net of the platform fee.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents) to
 *   avoid floating-point inaccuracies with financial data.
 * - Statuses form a closed state machine; transitions are applied by the
 *   store with compare-and-swap semantics, never by mutating structs in place.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the closed set of escrow payment states.
type PaymentStatus string

const (
	// PaymentStatusPending means a processor intent exists but the investor
	// has not completed confirmation. The only non-terminal initial state.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusFunded means the processor captured the funds and the
	// platform holds them in escrow. Known as "held" in user-facing copy.
	PaymentStatusFunded PaymentStatus = "FUNDED"
	// PaymentStatusReleased means amount_to_bg was transferred to the BG's
	// connected account. Terminal.
	PaymentStatusReleased PaymentStatus = "RELEASED"
	// PaymentStatusFailed means the intent failed, was declined, or the
	// investor abandoned it before confirmation. Terminal.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transitions exist from the status.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusReleased || s == PaymentStatusFailed
}

// IsOpen reports whether the status occupies the (project, bg) escrow slot.
// At most one open payment may exist per pair at any time.
func (s PaymentStatus) IsOpen() bool {
	return s == PaymentStatusPending || s == PaymentStatusFunded
}

// Payment represents one escrow record for a (project, BG) pairing.
// It maps directly to the `payments` table.
type Payment struct {
	ID                  uuid.UUID     `json:"id"`
	ProjectID           uuid.UUID     `json:"project_id"`
	BGID                uuid.UUID     `json:"bg_id"`
	AmountTotal         int64         `json:"amount_total"`  // in cents
	PlatformFee         int64         `json:"platform_fee"`  // in cents
	AmountToBG          int64         `json:"amount_to_bg"`  // in cents
	Status              PaymentStatus `json:"status"`
	ProcessorIntentID   *string       `json:"processor_intent_id,omitempty"`
	ProcessorTransferID *string       `json:"processor_transfer_id,omitempty"`
	FailureReason       *string       `json:"failure_reason,omitempty"`
	ReconcileNeeded     bool          `json:"reconcile_needed"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// FundingRequest is the DTO for an investor's request to fund a BG.
type FundingRequest struct {
	ProjectID   uuid.UUID `json:"project_id"`
	BGID        uuid.UUID `json:"bg_id"`
	AmountTotal int64     `json:"amount_total"` // in cents
}

// FundingResponse is returned after a payment intent is created. The client
// secret is handed to the caller exactly once for confirmation and never
// listed again.
type FundingResponse struct {
	Payment      *Payment `json:"payment"`
	ClientSecret string   `json:"client_secret"`
}

// ProcessorResult is the confirmation outcome reported by the processor's
// webhook or poll path for a payment intent.
type ProcessorResult struct {
	IntentID      string `json:"intent_id"`
	Succeeded     bool   `json:"succeeded"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Visit is a BG-facing view of a released payment joined to its project.
type Visit struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Title      string    `json:"title"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	ZipCode    string    `json:"zip_code"`
	AmountToBG int64     `json:"amount_to_bg"`
	ReleasedAt time.Time `json:"released_at"`
}
