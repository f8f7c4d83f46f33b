/**
 * @description
 * This file implements the assignment-matching resolver: given a project, it
 * answers which BGs serve the project's zip code and which of them can be
 * funded right now. Matching is read-only; there is no persisted assignment
 * record, the open payment itself is the assignment.
 */

package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
)

// ListEligibleBGs returns the BGs whose service area covers the project's
// zip code, ordered deterministically by the store (creation time, then id).
// Every match is returned; Fundable marks those with READY onboarding so the
// investor can see who they can actually pay.
func (s *Service) ListEligibleBGs(ctx context.Context, principal domain.Principal, projectID uuid.UUID) ([]domain.EligibleBG, error) {
	project, err := s.repo.FindProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !principal.IsInvestor() || project.InvestorID != principal.UserID {
		return nil, ErrUnauthorized
	}

	bgs, err := s.repo.ListBGsServingZip(ctx, project.ZipCode)
	if err != nil {
		return nil, err
	}

	eligible := make([]domain.EligibleBG, 0, len(bgs))
	for _, bg := range bgs {
		eligible = append(eligible, domain.EligibleBG{
			BG:       bg,
			Fundable: bg.OnboardingStatus == domain.OnboardingReady,
		})
	}
	return eligible, nil
}

// bgServesProject reports whether the BG's saved service area covers the
// project's zip. A project with no zip matches every BG.
func bgServesProject(project *domain.Project, bg *domain.BGProfile) bool {
	if project.ZipCode == "" {
		return true
	}
	for _, zip := range bg.ServiceZipCodes {
		if zip == project.ZipCode {
			return true
		}
	}
	return false
}
