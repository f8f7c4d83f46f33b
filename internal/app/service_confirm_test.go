package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/internal/store"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

func pendingPayment() *domain.Payment {
	return &domain.Payment{
		ID:                uuid.New(),
		ProjectID:         uuid.New(),
		BGID:              uuid.New(),
		AmountTotal:       10000,
		PlatformFee:       1500,
		AmountToBG:        8500,
		Status:            domain.PaymentStatusPending,
		ProcessorIntentID: ptrString("pi_1"),
	}
}

func intentWithStatus(status string) func(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error) {
	return func(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error) {
		return &stripeclient.PaymentIntent{ID: intentID, Status: status}, nil
	}
}

func TestConfirmFunding_SucceededIntentMovesToFundedAndStartsProject(t *testing.T) {
	repo := &escrowRepoStub{payment: pendingPayment(), markFundedResult: true}
	gw := &gatewayStub{getIntentFn: intentWithStatus("succeeded")}
	svc := NewService(repo, gw, nil, 15, "", "")

	status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected confirmation to succeed, got %v", err)
	}
	if status != domain.PaymentStatusFunded {
		t.Fatalf("expected FUNDED, got %s", status)
	}
	if gw.getIntentCalls != 1 {
		t.Fatalf("expected the intent to be polled exactly once, got %d", gw.getIntentCalls)
	}
	if !repo.markFundedCalled {
		t.Fatal("expected funded transition attempt")
	}
	if !repo.projectStatusUpdated {
		t.Fatal("expected project to move toward IN_PROGRESS on first funding")
	}
}

func TestConfirmFunding_CanceledIntentRecordsFailure(t *testing.T) {
	repo := &escrowRepoStub{payment: pendingPayment(), markFailedResult: true}
	gw := &gatewayStub{getIntentFn: intentWithStatus("canceled")}
	svc := NewService(repo, gw, nil, 15, "", "")

	status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected failure confirmation to apply, got %v", err)
	}
	if status != domain.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if repo.markFailedReason != "intent canceled at processor" {
		t.Fatalf("expected failure reason recorded, got %q", repo.markFailedReason)
	}
}

func TestConfirmFunding_UnsettledIntentNeverFunds(t *testing.T) {
	// Only the processor's own view of the intent can fund a payment. A
	// confirmation delivery for an intent the processor still reports as
	// unsettled must leave the payment PENDING with no money recorded.
	for _, intentStatus := range []string{"requires_payment_method", "processing"} {
		repo := &escrowRepoStub{payment: pendingPayment()}
		gw := &gatewayStub{getIntentFn: intentWithStatus(intentStatus)}
		svc := NewService(repo, gw, nil, 15, "", "")

		status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
		if err != nil {
			t.Fatalf("expected unsettled intent to be a no-op, got %v", err)
		}
		if status != domain.PaymentStatusPending {
			t.Fatalf("expected payment to stay PENDING for %s, got %s", intentStatus, status)
		}
		if repo.markFundedCalled || repo.markFailedCalled {
			t.Fatalf("did not expect any transition for intent status %s", intentStatus)
		}
	}
}

func TestConfirmFunding_ReplayOfSameOutcomeIsIdempotent(t *testing.T) {
	payment := pendingPayment()
	payment.Status = domain.PaymentStatusFunded
	repo := &escrowRepoStub{payment: payment, markFundedResult: false}
	gw := &gatewayStub{getIntentFn: intentWithStatus("succeeded")}
	svc := NewService(repo, gw, nil, 15, "", "")

	status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected replay to be a no-op success, got %v", err)
	}
	if status != domain.PaymentStatusFunded {
		t.Fatalf("expected FUNDED on replay, got %s", status)
	}
}

func TestConfirmFunding_SuccessReplayAfterReleaseIsIdempotent(t *testing.T) {
	payment := pendingPayment()
	payment.Status = domain.PaymentStatusReleased
	repo := &escrowRepoStub{payment: payment, markFundedResult: false}
	gw := &gatewayStub{getIntentFn: intentWithStatus("succeeded")}
	svc := NewService(repo, gw, nil, 15, "", "")

	status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected replay after release to be a no-op, got %v", err)
	}
	if status != domain.PaymentStatusReleased {
		t.Fatalf("expected RELEASED, got %s", status)
	}
}

func TestConfirmFunding_ContradictingOutcomeOnTerminalStateConflicts(t *testing.T) {
	payment := pendingPayment()
	payment.Status = domain.PaymentStatusFailed
	repo := &escrowRepoStub{payment: payment, markFundedResult: false}
	gw := &gatewayStub{getIntentFn: intentWithStatus("succeeded")}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal for success on FAILED payment, got %v", err)
	}
}

func TestConfirmFunding_CanceledReplayIsIdempotent(t *testing.T) {
	payment := pendingPayment()
	payment.Status = domain.PaymentStatusFailed
	repo := &escrowRepoStub{payment: payment, markFailedResult: false}
	gw := &gatewayStub{getIntentFn: intentWithStatus("canceled")}
	svc := NewService(repo, gw, nil, 15, "", "")

	status, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("expected failure replay to be a no-op, got %v", err)
	}
	if status != domain.PaymentStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
}

func TestConfirmFunding_UnknownIntentIsNotFound(t *testing.T) {
	svc := NewService(&escrowRepoStub{}, &gatewayStub{}, nil, 15, "", "")

	_, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_never_issued")
	if !errors.Is(err, store.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for unknown intent, got %v", err)
	}
}

func TestConfirmFunding_PollFailureAppliesNothing(t *testing.T) {
	repo := &escrowRepoStub{payment: pendingPayment()}
	gw := &gatewayStub{
		getIntentFn: func(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error) {
			return nil, &stripeclient.APIError{StatusCode: 503}
		},
	}
	svc := NewService(repo, gw, nil, 15, "", "")

	_, err := svc.ConfirmFundingFromProcessor(context.Background(), "pi_1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable when the poll fails, got %v", err)
	}
	if repo.markFundedCalled || repo.markFailedCalled {
		t.Fatal("did not expect any transition from a failed poll")
	}
}
