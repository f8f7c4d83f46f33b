package app

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

// ProcessorGateway is the slice of the processor client the ledger depends
// on. Tests substitute a stub and assert call counts on money-moving methods.
type ProcessorGateway interface {
	CreatePaymentIntent(ctx context.Context, amount int64, idempotencyKey string) (*stripeclient.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID, idempotencyKey string) (*stripeclient.PaymentIntent, error)
	CreateTransfer(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*stripeclient.Transfer, error)
	CreateAccount(ctx context.Context) (*stripeclient.Account, error)
	GetAccount(ctx context.Context, accountID string) (*stripeclient.Account, error)
	CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*stripeclient.AccountLink, error)
}

// mapGatewayError folds a processor client error into the ledger's error
// taxonomy. Retryable failures surface as ErrGatewayUnavailable, outright
// rejections as ErrGatewayRejected, and unknown outcomes (the request may
// have reached the processor) as ErrAmbiguousOutcome.
func (s *Service) mapGatewayError(flow string, paymentID uuid.UUID, err error) error {
	class := stripeclient.Classify(err)
	log.Printf("level=warn component=service flow=%s msg=\"gateway call failed\" payment_id=%s class=%d err=%v", flow, paymentID, class, err)
	switch class {
	case stripeclient.FailureRejected:
		return ErrGatewayRejected
	case stripeclient.FailureUnknown:
		return ErrAmbiguousOutcome
	default:
		return ErrGatewayUnavailable
	}
}
