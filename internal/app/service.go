/**
 * @description
 * This file contains the core business logic of the escrow service. The
 * `Service` struct owns the escrow payment state machine, coordinating the
 * database repository, the payment processor gateway, and the message broker.
 *
 * Key features:
 * - Implements the escrow lifecycle: create funding (PENDING), processor
 *   confirmation (FUNDED/FAILED), investor release (RELEASED), cancellation.
 * - Enforces the "one open payment per (project, bg)" invariant through the
 *   store's atomic insert; never check-then-insert.
 * - Release is idempotent: a RELEASED payment yields the same result with no
 *   second transfer, and concurrent retries share one idempotency key so the
 *   processor deduplicates the money movement.
 * - Publishes lifecycle events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/rabbitmq, pkg/stripeclient: external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/internal/store"
	"github.com/bootsground/escrow-service/pkg/rabbitmq"
)

// Service provides the core business logic for the escrow ledger.
type Service struct {
	repo          store.Repository
	gateway       ProcessorGateway
	eventProducer rabbitmq.Publisher

	feePercent           float64
	onboardingReturnURL  string
	onboardingRefreshURL string

	rateLimiter RateLimiter
	rateLimit   int
	rateWindow  time.Duration
}

// NewService creates a new escrow service instance. feePercent is the
// platform's cut of every payment, e.g. 15.0 for 15%.
func NewService(repo store.Repository, gateway ProcessorGateway, producer rabbitmq.Publisher, feePercent float64, onboardingReturnURL, onboardingRefreshURL string) *Service {
	return &Service{
		repo:                 repo,
		gateway:              gateway,
		eventProducer:        producer,
		feePercent:           feePercent,
		onboardingReturnURL:  onboardingReturnURL,
		onboardingRefreshURL: onboardingRefreshURL,
	}
}

// ConfigureRateLimit sets the per-caller fixed-window limit applied to the
// funding and connect-onboarding endpoints. A zero limit disables rate
// limiting.
func (s *Service) ConfigureRateLimit(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.rateLimit = perMinute
	s.rateWindow = time.Minute
}

// ResolvePrincipal converts an identity-provider subject into the Principal
// used by every operation. Handlers call this after token validation.
func (s *Service) ResolvePrincipal(ctx context.Context, subject string) (*domain.Principal, error) {
	return s.repo.FindPrincipalBySubject(ctx, subject)
}

// SplitAmount computes the platform fee and BG share for a total, such that
// amountToBG + platformFee == amountTotal always holds. The fee is fixed at
// creation time and never recomputed after funding.
func (s *Service) SplitAmount(amountTotal int64) (platformFee, amountToBG int64) {
	platformFee = int64(math.Round(float64(amountTotal) * s.feePercent / 100.0))
	if platformFee < 0 {
		platformFee = 0
	}
	if platformFee > amountTotal {
		platformFee = amountTotal
	}
	return platformFee, amountTotal - platformFee
}

func intentIdempotencyKey(paymentID uuid.UUID) string {
	return "escrow-intent-" + paymentID.String()
}

func transferIdempotencyKey(paymentID uuid.UUID) string {
	return "escrow-transfer-" + paymentID.String()
}

func cancelIdempotencyKey(paymentID uuid.UUID) string {
	return "escrow-cancel-" + paymentID.String()
}

// CreateFunding opens the escrow slot for a (project, bg) pair: it inserts a
// PENDING payment, creates the processor intent, and hands the client secret
// back for confirmation. The whole operation rolls back if the gateway call
// does not yield an intent.
func (s *Service) CreateFunding(ctx context.Context, principal domain.Principal, req domain.FundingRequest) (*domain.FundingResponse, error) {
	if req.AmountTotal <= 0 {
		return nil, ErrInvalidAmount
	}

	project, err := s.repo.FindProjectByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !principal.IsInvestor() || project.InvestorID != principal.UserID {
		return nil, ErrUnauthorized
	}

	if err := s.consumeRateLimit(ctx, "funding", principal.UserID); err != nil {
		return nil, err
	}

	bg, err := s.repo.FindBGByID(ctx, req.BGID)
	if err != nil {
		if errors.Is(err, store.ErrBGNotFound) {
			return nil, ErrInvalidAssignment
		}
		return nil, err
	}
	// Fail fast on ineligible targets: money offered to a BG without a
	// payable account would only fail later at the transfer step.
	if !bgServesProject(project, bg) || bg.OnboardingStatus != domain.OnboardingReady {
		return nil, ErrInvalidAssignment
	}

	platformFee, amountToBG := s.SplitAmount(req.AmountTotal)
	payment := &domain.Payment{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		BGID:        bg.ID,
		AmountTotal: req.AmountTotal,
		PlatformFee: platformFee,
		AmountToBG:  amountToBG,
		Status:      domain.PaymentStatusPending,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrOpenPaymentExists) {
			return nil, ErrDuplicateOpenPayment
		}
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payment.AmountTotal, intentIdempotencyKey(payment.ID))
	if err != nil {
		// No intent exists, so no money can move: remove the row entirely to
		// free the escrow slot instead of leaving a dead PENDING payment.
		if delErr := s.repo.DeletePayment(ctx, payment.ID); delErr != nil {
			log.Printf("level=error component=service flow=create_funding msg=\"failed to roll back payment after gateway failure\" payment_id=%s err=%v", payment.ID, delErr)
		}
		mapped := s.mapGatewayError("create_intent", payment.ID, err)
		if errors.Is(mapped, ErrAmbiguousOutcome) {
			// No money moves on an unconfirmed intent, so an ambiguous create
			// is safe to surface as a plain retry.
			mapped = ErrGatewayUnavailable
		}
		return nil, mapped
	}

	if err := s.repo.SetPaymentIntent(ctx, payment.ID, intent.ID); err != nil {
		return nil, fmt.Errorf("failed to attach intent to payment: %w", err)
	}
	payment.ProcessorIntentID = &intent.ID

	return &domain.FundingResponse{Payment: payment, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmFundingFromProcessor resolves the confirmation for an intent by
// asking the processor what actually happened. Webhooks and broker events are
// treated as hints naming the intent, never as the outcome itself: only the
// polled intent status can move a payment to FUNDED. Idempotent for repeated
// deliveries.
func (s *Service) ConfirmFundingFromProcessor(ctx context.Context, intentID string) (domain.PaymentStatus, error) {
	payment, err := s.repo.FindPaymentByIntentID(ctx, intentID)
	if err != nil {
		return "", err
	}

	intent, err := s.gateway.GetPaymentIntent(ctx, intentID)
	if err != nil {
		mapped := s.mapGatewayError("confirm_funding", payment.ID, err)
		if errors.Is(mapped, ErrAmbiguousOutcome) {
			// No transition was applied; the poll can simply be retried.
			mapped = ErrGatewayUnavailable
		}
		return "", mapped
	}

	switch intent.Status {
	case "succeeded":
		return s.applyConfirmation(ctx, payment, domain.ProcessorResult{IntentID: intentID, Succeeded: true})
	case "canceled":
		return s.applyConfirmation(ctx, payment, domain.ProcessorResult{
			IntentID:      intentID,
			FailureReason: "intent canceled at processor",
		})
	default:
		// requires_payment_method / processing: the processor has not settled
		// this intent, so the payment stays where it is.
		return payment.Status, nil
	}
}

func (s *Service) applyConfirmation(ctx context.Context, payment *domain.Payment, result domain.ProcessorResult) (domain.PaymentStatus, error) {
	if result.Succeeded {
		moved, err := s.repo.MarkPaymentFunded(ctx, payment.ID)
		if err != nil {
			return "", fmt.Errorf("failed to mark payment funded: %w", err)
		}
		if !moved {
			return s.resolveStaleConfirmation(ctx, payment.ID, domain.PaymentStatusFunded)
		}
		payment.Status = domain.PaymentStatusFunded
		s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentFunded, payment)
		// First escrow for an open project moves it into progress; losing the
		// CAS here is fine, another confirmation already did it.
		if _, err := s.repo.UpdateProjectStatus(ctx, payment.ProjectID, domain.ProjectStatusOpen, domain.ProjectStatusInProgress); err != nil {
			log.Printf("level=warn component=service flow=confirm_funding msg=\"project status update failed\" project_id=%s err=%v", payment.ProjectID, err)
		}
		return domain.PaymentStatusFunded, nil
	}

	reason := strings.TrimSpace(result.FailureReason)
	if reason == "" {
		reason = "processor reported failure"
	}
	moved, err := s.repo.MarkPaymentFailed(ctx, payment.ID, reason)
	if err != nil {
		return "", fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if !moved {
		return s.resolveStaleConfirmation(ctx, payment.ID, domain.PaymentStatusFailed)
	}
	payment.Status = domain.PaymentStatusFailed
	s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentFailed, payment)
	return domain.PaymentStatusFailed, nil
}

// resolveStaleConfirmation decides what a lost CAS means: a replay of the
// same outcome is a no-op success; a contradicting outcome on a terminal
// payment is a conflict.
func (s *Service) resolveStaleConfirmation(ctx context.Context, paymentID uuid.UUID, wanted domain.PaymentStatus) (domain.PaymentStatus, error) {
	current, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	switch {
	case current.Status == wanted:
		return current.Status, nil
	case wanted == domain.PaymentStatusFunded && current.Status == domain.PaymentStatusReleased:
		// A success replay after release: the money already went out; nothing
		// to do.
		return current.Status, nil
	default:
		return current.Status, ErrAlreadyTerminal
	}
}

// ReleaseFunding transfers the BG's share out of escrow. The most
// safety-critical contract in the system: calling it twice on a RELEASED
// payment is a no-op success, and concurrent retries cannot double-transfer
// because the transfer idempotency key is derived from the payment id.
func (s *Service) ReleaseFunding(ctx context.Context, principal domain.Principal, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.FindProjectByID(ctx, payment.ProjectID)
	if err != nil {
		return nil, err
	}
	if !principal.IsInvestor() || project.InvestorID != principal.UserID {
		return nil, ErrUnauthorized
	}

	switch payment.Status {
	case domain.PaymentStatusReleased:
		return payment, nil
	case domain.PaymentStatusFailed:
		return nil, ErrAlreadyTerminal
	case domain.PaymentStatusPending:
		return nil, ErrPaymentNotFunded
	}

	bg, err := s.repo.FindBGByID(ctx, payment.BGID)
	if err != nil {
		return nil, err
	}
	if bg.ProcessorAccountID == nil || strings.TrimSpace(*bg.ProcessorAccountID) == "" {
		return nil, ErrInvalidAssignment
	}

	transfer, err := s.gateway.CreateTransfer(ctx, payment.AmountToBG, *bg.ProcessorAccountID, transferIdempotencyKey(payment.ID))
	if err != nil {
		return nil, s.parkOrMapTransferError(ctx, payment.ID, err)
	}

	if err := s.repo.SetPaymentTransferID(ctx, payment.ID, transfer.ID); err != nil {
		log.Printf("level=warn component=service flow=release_funding msg=\"failed to persist transfer reference\" payment_id=%s transfer_id=%s err=%v", payment.ID, transfer.ID, err)
	}

	moved, err := s.repo.MarkPaymentReleased(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment released: %w", err)
	}
	current, findErr := s.repo.FindPaymentByID(ctx, payment.ID)
	if findErr != nil {
		return nil, findErr
	}
	if !moved && current.Status != domain.PaymentStatusReleased {
		// The transfer went through at the gateway but the row moved
		// elsewhere underneath us; park it for reconciliation rather than
		// guessing.
		if flagErr := s.repo.SetPaymentReconcileNeeded(ctx, payment.ID, true); flagErr != nil {
			log.Printf("level=error component=service flow=release_funding msg=\"failed to park divergent release\" payment_id=%s err=%v", payment.ID, flagErr)
		}
		return nil, ErrAmbiguousOutcome
	}
	if moved {
		s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentReleased, current)
	}
	return current, nil
}

// parkOrMapTransferError classifies a failed transfer attempt. Ambiguous
// outcomes leave the payment FUNDED with the reconciliation flag set so the
// sweep can re-drive the transfer under the same idempotency key.
func (s *Service) parkOrMapTransferError(ctx context.Context, paymentID uuid.UUID, err error) error {
	mapped := s.mapGatewayError("create_transfer", paymentID, err)
	if errors.Is(mapped, ErrAmbiguousOutcome) {
		if flagErr := s.repo.SetPaymentReconcileNeeded(ctx, paymentID, true); flagErr != nil {
			log.Printf("level=error component=service flow=release_funding msg=\"failed to set reconcile flag\" payment_id=%s err=%v", paymentID, flagErr)
		}
	}
	return mapped
}

// CancelFunding abandons a PENDING payment before processor confirmation,
// freeing the escrow slot. After FUNDED, cancellation is impossible.
func (s *Service) CancelFunding(ctx context.Context, principal domain.Principal, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.FindProjectByID(ctx, payment.ProjectID)
	if err != nil {
		return nil, err
	}
	if !principal.IsInvestor() || project.InvestorID != principal.UserID {
		return nil, ErrUnauthorized
	}

	moved, err := s.repo.MarkPaymentFailed(ctx, payment.ID, "cancelled by investor")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel payment: %w", err)
	}
	if !moved {
		current, findErr := s.repo.FindPaymentByID(ctx, payment.ID)
		if findErr != nil {
			return nil, findErr
		}
		if current.Status == domain.PaymentStatusFailed {
			return current, nil
		}
		if current.Status == domain.PaymentStatusReleased {
			return nil, ErrAlreadyTerminal
		}
		return nil, ErrNotCancellable
	}

	// Best-effort intent cancellation; the ledger row is already FAILED and a
	// stray uncancelled intent cannot fund it again.
	if payment.ProcessorIntentID != nil {
		if _, cancelErr := s.gateway.CancelPaymentIntent(ctx, *payment.ProcessorIntentID, cancelIdempotencyKey(payment.ID)); cancelErr != nil {
			log.Printf("level=warn component=service flow=cancel_funding msg=\"intent cancellation failed\" payment_id=%s intent_id=%s err=%v", payment.ID, *payment.ProcessorIntentID, cancelErr)
		}
	}

	current, err := s.repo.FindPaymentByID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentFailed, current)
	return current, nil
}

// ListProjectPayments returns the full escrow history of a project to its
// owning investor.
func (s *Service) ListProjectPayments(ctx context.Context, principal domain.Principal, projectID uuid.UUID) ([]domain.Payment, error) {
	project, err := s.repo.FindProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !principal.IsInvestor() || project.InvestorID != principal.UserID {
		return nil, ErrUnauthorized
	}
	return s.repo.ListPaymentsByProject(ctx, projectID)
}

// ListVisitsForBG returns the BG's released payments as completed visits.
func (s *Service) ListVisitsForBG(ctx context.Context, principal domain.Principal) ([]domain.Visit, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	return s.repo.ListVisitsForBG(ctx, bg.ID)
}

// ExpressInterest registers a BG's desire to be assigned to a project.
// Idempotent per (project, bg); the investor responds by funding, never by
// mutating the interest.
func (s *Service) ExpressInterest(ctx context.Context, principal domain.Principal, projectID uuid.UUID, message *string) (*domain.Interest, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.FindProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != domain.ProjectStatusOpen {
		return nil, ErrInvalidAssignment
	}
	return s.repo.UpsertInterest(ctx, &domain.Interest{
		ID:        uuid.New(),
		ProjectID: project.ID,
		BGID:      bg.ID,
		Message:   message,
	})
}

// ListAvailableProjects returns open projects within the BG's service area;
// a BG with no saved zips sees every open project.
func (s *Service) ListAvailableProjects(ctx context.Context, principal domain.Principal) ([]domain.Project, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	return s.repo.ListOpenProjectsForZips(ctx, bg.ServiceZipCodes)
}

// UpdateServiceZips replaces the BG's service area with a normalized copy of
// the given zip list (trimmed, de-duplicated, order preserved).
func (s *Service) UpdateServiceZips(ctx context.Context, principal domain.Principal, zips []string) ([]string, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	normalized := normalizeZips(zips)
	if err := s.repo.UpdateBGServiceZips(ctx, bg.ID, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// DeleteProject removes a project that is still OPEN and has no payment
// history. A project that ever held escrow keeps its ledger rows.
func (s *Service) DeleteProject(ctx context.Context, principal domain.Principal, projectID uuid.UUID) error {
	if !principal.IsInvestor() {
		return ErrUnauthorized
	}
	return s.repo.DeleteOpenUnfundedProject(ctx, projectID, principal.UserID)
}

func (s *Service) bgForPrincipal(ctx context.Context, principal domain.Principal) (*domain.BGProfile, error) {
	if !principal.IsBG() {
		return nil, ErrUnauthorized
	}
	return s.repo.FindBGByUserID(ctx, principal.UserID)
}

func (s *Service) consumeRateLimit(ctx context.Context, scope string, callerID uuid.UUID) error {
	if s.rateLimiter == nil || s.rateLimit <= 0 {
		return nil
	}
	count, _, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, callerID.String(), s.rateLimit, s.rateWindow)
	if err != nil {
		// Rate limiting is protective, not load-bearing: a broken limiter
		// must not block the request.
		log.Printf("level=warn component=service scope=%s msg=\"rate limiter unavailable\" err=%v", scope, err)
		return nil
	}
	if count > s.rateLimit {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) publishPaymentEvent(ctx context.Context, routingKey string, payment *domain.Payment) {
	if s.eventProducer == nil {
		return
	}
	event := domain.PaymentEvent{
		PaymentID:   payment.ID,
		ProjectID:   payment.ProjectID,
		BGID:        payment.BGID,
		Status:      payment.Status,
		AmountTotal: payment.AmountTotal,
		AmountToBG:  payment.AmountToBG,
		PlatformFee: payment.PlatformFee,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.eventProducer.PublishPaymentEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=service msg=\"payment event publish failed\" routing_key=%s payment_id=%s err=%v", routingKey, payment.ID, err)
	}
}

func normalizeZips(zips []string) []string {
	seen := make(map[string]struct{}, len(zips))
	out := make([]string, 0, len(zips))
	for _, zip := range zips {
		z := strings.TrimSpace(zip)
		if z == "" {
			continue
		}
		if _, dup := seen[z]; dup {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	return out
}
