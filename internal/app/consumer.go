/**
 * @description
 * This file implements the consumer side of the processor's asynchronous
 * status feed. Deliveries name an intent; the outcome is always re-read from
 * the processor before any transition, so a forged or stale event cannot
 * settle a payment. Confirmation is idempotent, which makes re-queues after
 * transient failures safe.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/internal/store"
)

// Routing keys consumed from the processor's event exchange.
const (
	RoutingKeyIntentSucceeded = "processor.intent.succeeded"
	RoutingKeyIntentFailed    = "processor.intent.failed"
)

// ProcessorEventConsumer adapts broker deliveries into confirmation calls on
// the ledger service.
type ProcessorEventConsumer struct {
	service *Service
	timeout time.Duration
}

// NewProcessorEventConsumer creates a consumer bound to the given service.
func NewProcessorEventConsumer(service *Service) *ProcessorEventConsumer {
	return &ProcessorEventConsumer{service: service, timeout: 30 * time.Second}
}

// Bindings returns the routing-key-to-handler map for the broker consumer.
// Both outcome keys feed the same handler: the event payload only names the
// intent, and the service asks the processor for the real status.
func (c *ProcessorEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		RoutingKeyIntentSucceeded: c.handleIntentEvent,
		RoutingKeyIntentFailed:    c.handleIntentEvent,
	}
}

// handleIntentEvent drives ack/nack via its boolean result: true acks the
// delivery, false re-queues it.
func (c *ProcessorEventConsumer) handleIntentEvent(body []byte) bool {
	var event domain.ProcessorStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=processor_consumer msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}
	if event.IntentID == "" {
		log.Printf("level=error component=processor_consumer msg=\"event missing intent id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	status, err := c.service.ConfirmFundingFromProcessor(ctx, event.IntentID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			// An event for an intent we never issued, or the payment was
			// rolled back; nothing to apply.
			log.Printf("level=warn component=processor_consumer msg=\"no payment for intent; dropping\" intent_id=%s", event.IntentID)
			return true
		case errors.Is(err, ErrAlreadyTerminal):
			// A contradicting replay; the ledger's settled state wins.
			log.Printf("level=warn component=processor_consumer msg=\"event contradicts terminal state; dropping\" intent_id=%s", event.IntentID)
			return true
		default:
			log.Printf("level=error component=processor_consumer msg=\"confirmation failed; re-queuing\" intent_id=%s err=%v", event.IntentID, err)
			return false
		}
	}

	log.Printf("level=info component=processor_consumer msg=\"intent outcome applied\" intent_id=%s status=%s", event.IntentID, status)
	return true
}
