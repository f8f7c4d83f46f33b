package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

func releaseFixture(status domain.PaymentStatus) (*escrowRepoStub, domain.Principal) {
	investorID := uuid.New()
	payment := pendingPayment()
	payment.Status = status

	released := *payment
	released.Status = domain.PaymentStatusReleased
	released.ProcessorTransferID = ptrString("tr_stub")

	repo := &escrowRepoStub{
		payment: payment,
		project: &domain.Project{
			ID:         payment.ProjectID,
			InvestorID: investorID,
			Status:     domain.ProjectStatusInProgress,
		},
		bg: &domain.BGProfile{
			ID:                 payment.BGID,
			ProcessorAccountID: ptrString("acct_bg_1"),
			OnboardingStatus:   domain.OnboardingReady,
		},
		markReleasedResult:  true,
		paymentAfterRelease: &released,
	}
	return repo, investorPrincipal(investorID)
}

func TestReleaseFunding_TransfersShareAndMarksReleased(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusFunded)
	gw := &gatewayStub{}
	svc := NewService(repo, gw, nil, 15, "", "")

	released, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID)
	if err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if released.Status != domain.PaymentStatusReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}
	if gw.createTransferCalls != 1 {
		t.Fatalf("expected exactly one transfer, got %d", gw.createTransferCalls)
	}
	wantKey := "escrow-transfer-" + repo.payment.ID.String()
	if gw.transferKeys[0] != wantKey {
		t.Fatalf("expected transfer idempotency key %q, got %q", wantKey, gw.transferKeys[0])
	}
	if !repo.setTransferIDCalled || repo.setTransferID != "tr_stub" {
		t.Fatalf("expected transfer reference persisted, got called=%t id=%q", repo.setTransferIDCalled, repo.setTransferID)
	}
}

func TestReleaseFunding_SecondCallIsNoOpWithoutSecondTransfer(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusReleased)
	gw := &gatewayStub{}
	svc := NewService(repo, gw, nil, 15, "", "")

	released, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID)
	if err != nil {
		t.Fatalf("expected repeat release to be a no-op success, got %v", err)
	}
	if released.Status != domain.PaymentStatusReleased {
		t.Fatalf("expected RELEASED, got %s", released.Status)
	}
	if gw.createTransferCalls != 0 {
		t.Fatalf("expected zero transfers on repeat release, got %d", gw.createTransferCalls)
	}
	if repo.markReleasedCalled != 0 {
		t.Fatalf("expected no transition attempt on repeat release, got %d", repo.markReleasedCalled)
	}
}

func TestReleaseFunding_RejectsUnfundedPayment(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusPending)
	gw := &gatewayStub{}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID)
	if !errors.Is(err, ErrPaymentNotFunded) {
		t.Fatalf("expected ErrPaymentNotFunded for PENDING payment, got %v", err)
	}
	if gw.createTransferCalls != 0 {
		t.Fatalf("expected no transfer for unfunded payment, got %d", gw.createTransferCalls)
	}
}

func TestReleaseFunding_RejectsFailedPayment(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusFailed)
	svc := NewService(repo, &gatewayStub{}, nil, 15, "", "")

	if _, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal for FAILED payment, got %v", err)
	}
}

func TestReleaseFunding_RejectsNonOwner(t *testing.T) {
	repo, _ := releaseFixture(domain.PaymentStatusFunded)
	gw := &gatewayStub{}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ReleaseFunding(context.Background(), investorPrincipal(uuid.New()), repo.payment.ID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-owner, got %v", err)
	}
	if gw.createTransferCalls != 0 {
		t.Fatalf("expected no transfer for unauthorized caller, got %d", gw.createTransferCalls)
	}
}

func TestReleaseFunding_AmbiguousTransferParksForReconciliation(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusFunded)
	gw := &gatewayStub{
		createTransferFn: func(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*stripeclient.Transfer, error) {
			return nil, context.DeadlineExceeded
		},
	}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID)
	if !errors.Is(err, ErrAmbiguousOutcome) {
		t.Fatalf("expected ErrAmbiguousOutcome for timed-out transfer, got %v", err)
	}
	if !repo.reconcileFlagCalled || !repo.reconcileFlagValue {
		t.Fatal("expected payment parked with reconcile flag set")
	}
	if repo.markReleasedCalled != 0 {
		t.Fatal("did not expect release transition after ambiguous transfer")
	}
}

func TestReleaseFunding_RejectedTransferStaysFunded(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusFunded)
	gw := &gatewayStub{
		createTransferFn: func(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*stripeclient.Transfer, error) {
			return nil, &stripeclient.APIError{StatusCode: 400, Code: "account_disabled"}
		},
	}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ReleaseFunding(context.Background(), principal, repo.payment.ID)
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if repo.reconcileFlagCalled {
		t.Fatal("did not expect reconcile flag for an outright rejection")
	}
	if repo.markReleasedCalled != 0 {
		t.Fatal("did not expect release transition after rejection")
	}
}

func TestCancelFunding_PendingPaymentBecomesFailed(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusPending)
	repo.markFailedResult = true
	failed := *repo.payment
	failed.Status = domain.PaymentStatusFailed
	repo.paymentAfterRelease = nil
	repo.payment = &failed // re-read after transition sees FAILED
	gw := &gatewayStub{}
	svc := NewService(repo, gw, nil, 15, "", "")

	cancelled, err := svc.CancelFunding(context.Background(), principal, failed.ID)
	if err != nil {
		t.Fatalf("expected cancel to succeed, got %v", err)
	}
	if cancelled.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected FAILED after cancel, got %s", cancelled.Status)
	}
	if repo.markFailedReason != "cancelled by investor" {
		t.Fatalf("expected cancellation reason recorded, got %q", repo.markFailedReason)
	}
	if gw.cancelIntentCalls != 1 {
		t.Fatalf("expected intent cancellation at processor, got %d calls", gw.cancelIntentCalls)
	}
}

func TestCancelFunding_FundedPaymentIsNotCancellable(t *testing.T) {
	repo, principal := releaseFixture(domain.PaymentStatusFunded)
	repo.markFailedResult = false
	svc := NewService(repo, &gatewayStub{}, nil, 15, "", "")

	if _, err := svc.CancelFunding(context.Background(), principal, repo.payment.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable for FUNDED payment, got %v", err)
	}
}
