/**
 * @description
 * This file implements BG onboarding against the payment processor's
 * connected-account API. The processor owns the truth about an account's
 * capabilities; this service caches a derived OnboardingState and refreshes
 * it by polling on demand (after the hosted-onboarding redirect, or from the
 * status endpoint). There is no webhook dependency: polling alone converges.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

// MapOnboardingState folds the processor's raw account flags into the local
// onboarding state. Pure and total: every flag combination maps to exactly
// one state.
//
//	no account            -> NOT_STARTED
//	all three flags true  -> READY
//	details submitted     -> DETAILS_SUBMITTED
//	anything else         -> PENDING
func MapOnboardingState(hasAccount bool, flags domain.AccountFlags) domain.OnboardingState {
	switch {
	case !hasAccount:
		return domain.OnboardingNotStarted
	case flags.DetailsSubmitted && flags.ChargesEnabled && flags.PayoutsEnabled:
		return domain.OnboardingReady
	case flags.DetailsSubmitted:
		return domain.OnboardingDetailsSubmitted
	default:
		return domain.OnboardingPending
	}
}

// GetOnboardingStatus reports the BG's cached onboarding state without
// touching the processor.
func (s *Service) GetOnboardingStatus(ctx context.Context, principal domain.Principal) (*domain.OnboardingStatusResponse, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	return &domain.OnboardingStatusResponse{
		Onboarded: bg.OnboardingStatus == domain.OnboardingReady,
		State:     bg.OnboardingStatus,
		Flags:     bg.Flags,
	}, nil
}

// RefreshOnboarding polls the processor for the BG's current account flags
// and persists the derived state. Safe to call repeatedly; the mapping is
// deterministic so repeated refreshes converge.
func (s *Service) RefreshOnboarding(ctx context.Context, principal domain.Principal) (*domain.OnboardingStatusResponse, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	if err := s.consumeRateLimit(ctx, "connect", principal.UserID); err != nil {
		return nil, err
	}
	if bg.ProcessorAccountID == nil {
		return &domain.OnboardingStatusResponse{Onboarded: false, State: domain.OnboardingNotStarted}, nil
	}

	account, err := s.gateway.GetAccount(ctx, *bg.ProcessorAccountID)
	if err != nil {
		// A transient poll failure must not degrade a cached READY state;
		// serve the cache and let the next refresh try again.
		if stripeclient.Classify(err) != stripeclient.FailureRejected {
			log.Printf("level=warn component=service flow=refresh_onboarding msg=\"account poll failed; serving cached state\" bg_id=%s err=%v", bg.ID, err)
			return &domain.OnboardingStatusResponse{
				Onboarded: bg.OnboardingStatus == domain.OnboardingReady,
				State:     bg.OnboardingStatus,
				Flags:     bg.Flags,
			}, nil
		}
		return nil, ErrGatewayRejected
	}

	flags := domain.AccountFlags{
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	}
	state := MapOnboardingState(true, flags)
	if err := s.repo.UpdateBGOnboarding(ctx, bg.ID, flags, state); err != nil {
		return nil, fmt.Errorf("failed to persist onboarding state: %w", err)
	}

	return &domain.OnboardingStatusResponse{
		Onboarded: state == domain.OnboardingReady,
		State:     state,
		Flags:     flags,
	}, nil
}

// StartOnboarding ensures the BG has a connected account and returns a fresh
// hosted-onboarding link. Account creation happens at most once per BG;
// links are single-use and minted on every call.
func (s *Service) StartOnboarding(ctx context.Context, principal domain.Principal) (*stripeclient.AccountLink, error) {
	bg, err := s.bgForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	// Link minting and account creation hit the processor on every call, so
	// connect endpoints share the funding endpoints' fixed-window limit.
	if err := s.consumeRateLimit(ctx, "connect", principal.UserID); err != nil {
		return nil, err
	}

	accountID := ""
	if bg.ProcessorAccountID != nil {
		accountID = *bg.ProcessorAccountID
	}
	if accountID == "" {
		account, err := s.gateway.CreateAccount(ctx)
		if err != nil {
			return nil, s.mapOnboardingGatewayError("start_onboarding", err)
		}
		if err := s.repo.SetBGProcessorAccount(ctx, bg.ID, account.ID); err != nil {
			return nil, fmt.Errorf("failed to persist processor account: %w", err)
		}
		accountID = account.ID
	}

	link, err := s.gateway.CreateAccountLink(ctx, accountID, s.onboardingRefreshURL, s.onboardingReturnURL)
	if err != nil {
		return nil, s.mapOnboardingGatewayError("start_onboarding", err)
	}
	return link, nil
}

func (s *Service) mapOnboardingGatewayError(flow string, err error) error {
	class := stripeclient.Classify(err)
	log.Printf("level=warn component=service flow=%s msg=\"gateway call failed\" class=%d err=%v", flow, class, err)
	if class == stripeclient.FailureRejected {
		return ErrGatewayRejected
	}
	return ErrGatewayUnavailable
}
