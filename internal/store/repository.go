/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the escrow service needs. The interface decouples the ledger's
 * business logic from PostgreSQL and lets tests stub storage with embedded
 * interface types.
 *
 * The two atomicity guarantees the ledger relies on live behind this
 * interface:
 *   - CreatePayment enforces "at most one open payment per (project, bg)"
 *     via a partial unique index, returning ErrOpenPaymentExists on conflict.
 *   - The Mark* transition methods are compare-and-swap updates that report
 *     false when the expected prior state no longer holds.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: UUID handling.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrBGNotFound         = errors.New("bg profile not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrOpenPaymentExists  = errors.New("an open payment already exists for this project and bg")
	ErrProjectHasPayments = errors.New("project has payment history")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Identity
	FindPrincipalBySubject(ctx context.Context, subject string) (*domain.Principal, error)

	// Projects
	FindProjectByID(ctx context.Context, projectID uuid.UUID) (*domain.Project, error)
	ListOpenProjectsForZips(ctx context.Context, zips []string) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID uuid.UUID, from, to domain.ProjectStatus) (bool, error)
	DeleteOpenUnfundedProject(ctx context.Context, projectID, investorID uuid.UUID) error

	// BG profiles
	FindBGByID(ctx context.Context, bgID uuid.UUID) (*domain.BGProfile, error)
	FindBGByUserID(ctx context.Context, userID uuid.UUID) (*domain.BGProfile, error)
	ListBGsServingZip(ctx context.Context, zip string) ([]domain.BGProfile, error)
	UpdateBGServiceZips(ctx context.Context, bgID uuid.UUID, zips []string) error
	SetBGProcessorAccount(ctx context.Context, bgID uuid.UUID, accountID string) error
	UpdateBGOnboarding(ctx context.Context, bgID uuid.UUID, flags domain.AccountFlags, state domain.OnboardingState) error

	// Interests
	UpsertInterest(ctx context.Context, interest *domain.Interest) (*domain.Interest, error)

	// Payments (escrow ledger)
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	DeletePayment(ctx context.Context, paymentID uuid.UUID) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	ListPaymentsByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Payment, error)
	SetPaymentIntent(ctx context.Context, paymentID uuid.UUID, intentID string) error
	SetPaymentTransferID(ctx context.Context, paymentID uuid.UUID, transferID string) error
	SetPaymentReconcileNeeded(ctx context.Context, paymentID uuid.UUID, needed bool) error

	// Compare-and-swap transitions. Each returns true iff this call moved the
	// row out of the expected prior state.
	MarkPaymentFunded(ctx context.Context, paymentID uuid.UUID) (bool, error)
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) (bool, error)
	MarkPaymentReleased(ctx context.Context, paymentID uuid.UUID) (bool, error)

	// Reconciliation + visits
	ListReconcileCandidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.Payment, error)
	ListVisitsForBG(ctx context.Context, bgID uuid.UUID) ([]domain.Visit, error)
}
