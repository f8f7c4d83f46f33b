/**
 * @description
 * This file defines the BG ("Boots on the Ground") profile model and the
 * processor onboarding state machine. A BG becomes fundable only once the
 * payment processor reports its connected account fully enabled.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OnboardingState is the closed set of local onboarding states derived from
// the processor's connected-account flags.
type OnboardingState string

const (
	OnboardingNotStarted       OnboardingState = "NOT_STARTED"
	OnboardingPending          OnboardingState = "PENDING"
	OnboardingDetailsSubmitted OnboardingState = "DETAILS_SUBMITTED"
	OnboardingReady            OnboardingState = "READY"
)

// AccountFlags are the raw connected-account capabilities reported by the
// processor. MapOnboardingState in the app layer folds them into an
// OnboardingState.
type AccountFlags struct {
	DetailsSubmitted bool `json:"details_submitted"`
	ChargesEnabled   bool `json:"charges_enabled"`
	PayoutsEnabled   bool `json:"payouts_enabled"`
}

// BGProfile represents a field agent who performs paid site visits.
// Mutated by the BG; read by the matching resolver.
type BGProfile struct {
	ID                 uuid.UUID       `json:"id"`
	Subject            string          `json:"-"` // identity-provider subject
	FirstName          string          `json:"first_name"`
	LastName           string          `json:"last_name"`
	ServiceZipCodes    []string        `json:"service_zip_codes"`
	ProcessorAccountID *string         `json:"-"`
	OnboardingStatus   OnboardingState `json:"onboarding_status"`
	Flags              AccountFlags    `json:"flags"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// EligibleBG is one row of the matching resolver's answer: a BG that serves
// the project's zip, with Fundable indicating whether money can be offered.
type EligibleBG struct {
	BG       BGProfile `json:"bg"`
	Fundable bool      `json:"fundable"`
}

// OnboardingStatusResponse mirrors what the dashboard needs after an
// onboarding redirect.
type OnboardingStatusResponse struct {
	Onboarded bool            `json:"onboarded"`
	State     OnboardingState `json:"state"`
	Flags     AccountFlags    `json:"flags"`
}
