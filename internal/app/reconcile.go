/**
 * @description
 * This file implements the reconciliation sweep that resolves payments left
 * in an uncertain state: PENDING payments whose confirmation never arrived,
 * and FUNDED payments whose release transfer had an ambiguous outcome. The
 * sweep runs on a cron schedule and is safe to run concurrently with live
 * traffic because every transition it applies is a compare-and-swap and every
 * re-issued transfer reuses the payment's original idempotency key.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/pkg/rabbitmq"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

// reconcileMinAge keeps the sweep away from payments still in their normal
// confirmation window.
const reconcileMinAge = 2 * time.Minute

// ReconcileStats summarizes one sweep for logging.
type ReconcileStats struct {
	Scanned   int
	Funded    int
	Failed    int
	Released  int
	StillOpen int
	Errors    int
}

// ReconcilePayments scans up to limit stuck payments and drives each toward
// a settled state by asking the processor what actually happened.
func (s *Service) ReconcilePayments(ctx context.Context, limit int) (ReconcileStats, error) {
	var stats ReconcileStats

	candidates, err := s.repo.ListReconcileCandidates(ctx, limit, time.Now().Add(-reconcileMinAge))
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(candidates)

	for _, payment := range candidates {
		switch payment.Status {
		case domain.PaymentStatusPending:
			s.reconcilePendingIntent(ctx, payment, &stats)
		case domain.PaymentStatusFunded:
			s.reconcileFundedTransfer(ctx, payment, &stats)
		default:
			// Terminal rows should not be candidates; clear the flag so they
			// stop surfacing.
			if err := s.repo.SetPaymentReconcileNeeded(ctx, payment.ID, false); err != nil {
				stats.Errors++
			}
		}
	}

	log.Printf("level=info component=reconciler msg=\"sweep complete\" scanned=%d funded=%d failed=%d released=%d still_open=%d errors=%d",
		stats.Scanned, stats.Funded, stats.Failed, stats.Released, stats.StillOpen, stats.Errors)
	return stats, nil
}

// reconcilePendingIntent resolves a PENDING payment by polling its intent.
func (s *Service) reconcilePendingIntent(ctx context.Context, payment domain.Payment, stats *ReconcileStats) {
	if payment.ProcessorIntentID == nil {
		// A PENDING row without an intent is a crashed create; nothing was
		// handed to the investor, so fail it.
		if moved, err := s.repo.MarkPaymentFailed(ctx, payment.ID, "intent creation never completed"); err != nil {
			stats.Errors++
		} else if moved {
			stats.Failed++
		}
		return
	}

	intent, err := s.gateway.GetPaymentIntent(ctx, *payment.ProcessorIntentID)
	if err != nil {
		log.Printf("level=warn component=reconciler msg=\"intent poll failed\" payment_id=%s err=%v", payment.ID, err)
		stats.Errors++
		return
	}

	switch intent.Status {
	case "succeeded":
		if moved, err := s.repo.MarkPaymentFunded(ctx, payment.ID); err != nil {
			stats.Errors++
		} else if moved {
			stats.Funded++
			payment.Status = domain.PaymentStatusFunded
			s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentFunded, &payment)
		}
	case "canceled", "requires_payment_method":
		// requires_payment_method after the sweep's minimum age means the
		// investor abandoned or the attempt failed; either way, unconfirmed.
		if intent.Status == "requires_payment_method" {
			stats.StillOpen++
			return
		}
		if moved, err := s.repo.MarkPaymentFailed(ctx, payment.ID, "intent canceled at processor"); err != nil {
			stats.Errors++
		} else if moved {
			stats.Failed++
			payment.Status = domain.PaymentStatusFailed
			s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentFailed, &payment)
		}
	default:
		// processing: the processor has not settled yet, leave it parked.
		stats.StillOpen++
	}
}

// reconcileFundedTransfer re-drives a release whose transfer outcome was
// ambiguous. The original idempotency key makes the retry exactly-once at
// the processor.
func (s *Service) reconcileFundedTransfer(ctx context.Context, payment domain.Payment, stats *ReconcileStats) {
	bg, err := s.repo.FindBGByID(ctx, payment.BGID)
	if err != nil || bg.ProcessorAccountID == nil {
		log.Printf("level=error component=reconciler msg=\"funded payment parked without a payable bg\" payment_id=%s err=%v", payment.ID, err)
		stats.Errors++
		return
	}

	transfer, err := s.gateway.CreateTransfer(ctx, payment.AmountToBG, *bg.ProcessorAccountID, transferIdempotencyKey(payment.ID))
	if err != nil {
		if stripeclient.Classify(err) == stripeclient.FailureRejected {
			// The processor says this transfer can never happen; leave it
			// FUNDED and flagged so an operator sees it.
			log.Printf("level=error component=reconciler msg=\"transfer rejected; manual review needed\" payment_id=%s err=%v", payment.ID, err)
		} else {
			log.Printf("level=warn component=reconciler msg=\"transfer retry failed; will retry next sweep\" payment_id=%s err=%v", payment.ID, err)
		}
		stats.Errors++
		return
	}

	if err := s.repo.SetPaymentTransferID(ctx, payment.ID, transfer.ID); err != nil {
		log.Printf("level=warn component=reconciler msg=\"failed to persist transfer reference\" payment_id=%s err=%v", payment.ID, err)
	}
	moved, err := s.repo.MarkPaymentReleased(ctx, payment.ID)
	if err != nil {
		stats.Errors++
		return
	}
	if moved {
		stats.Released++
		payment.Status = domain.PaymentStatusReleased
		s.publishPaymentEvent(ctx, rabbitmq.RoutingKeyPaymentReleased, &payment)
	}
}
