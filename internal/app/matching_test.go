package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
)

func TestListEligibleBGs_MarksFundableOnlyWhenReady(t *testing.T) {
	investorID := uuid.New()
	repo := &escrowRepoStub{
		project: &domain.Project{
			ID:         uuid.New(),
			InvestorID: investorID,
			ZipCode:    "78201",
			Status:     domain.ProjectStatusOpen,
		},
		bgsInZip: []domain.BGProfile{
			{ID: uuid.New(), ServiceZipCodes: []string{"78201"}, OnboardingStatus: domain.OnboardingReady},
			{ID: uuid.New(), ServiceZipCodes: []string{"78201"}, OnboardingStatus: domain.OnboardingDetailsSubmitted},
			{ID: uuid.New(), ServiceZipCodes: []string{"78201", "78205"}, OnboardingStatus: domain.OnboardingNotStarted},
		},
	}
	svc := NewService(repo, &gatewayStub{}, nil, 15, "", "")

	eligible, err := svc.ListEligibleBGs(context.Background(), investorPrincipal(investorID), repo.project.ID)
	if err != nil {
		t.Fatalf("expected eligible list, got %v", err)
	}
	if len(eligible) != 3 {
		t.Fatalf("expected all 3 serving BGs returned, got %d", len(eligible))
	}
	if repo.listBGsRequestedZip != "78201" {
		t.Fatalf("expected lookup by project zip, got %q", repo.listBGsRequestedZip)
	}
	wantFundable := []bool{true, false, false}
	for i, e := range eligible {
		if e.Fundable != wantFundable[i] {
			t.Fatalf("bg %d: expected fundable=%t, got %t", i, wantFundable[i], e.Fundable)
		}
	}
}

func TestListEligibleBGs_RejectsNonOwner(t *testing.T) {
	repo := &escrowRepoStub{
		project: &domain.Project{ID: uuid.New(), InvestorID: uuid.New()},
	}
	svc := NewService(repo, &gatewayStub{}, nil, 15, "", "")

	if _, err := svc.ListEligibleBGs(context.Background(), investorPrincipal(uuid.New()), repo.project.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListEligibleBGs_RejectsBGRole(t *testing.T) {
	investorID := uuid.New()
	repo := &escrowRepoStub{
		project: &domain.Project{ID: uuid.New(), InvestorID: investorID},
	}
	svc := NewService(repo, &gatewayStub{}, nil, 15, "", "")

	if _, err := svc.ListEligibleBGs(context.Background(), bgPrincipal(investorID), repo.project.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for BG role, got %v", err)
	}
}

func TestBGServesProject(t *testing.T) {
	tests := []struct {
		name       string
		projectZip string
		bgZips     []string
		want       bool
	}{
		{name: "exact zip match", projectZip: "78201", bgZips: []string{"78201"}, want: true},
		{name: "zip among several", projectZip: "78205", bgZips: []string{"78201", "78205", "78210"}, want: true},
		{name: "adjacent zip does not match", projectZip: "78202", bgZips: []string{"78201"}, want: false},
		{name: "empty service area matches nothing", projectZip: "78201", bgZips: nil, want: false},
		{name: "project without zip matches everyone", projectZip: "", bgZips: nil, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := &domain.Project{ZipCode: tt.projectZip}
			bg := &domain.BGProfile{ServiceZipCodes: tt.bgZips}
			if got := bgServesProject(project, bg); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestNormalizeZips(t *testing.T) {
	got := normalizeZips([]string{" 78201 ", "78205", "78201", "", "78210"})
	want := []string{"78201", "78205", "78210"}
	if len(got) != len(want) {
		t.Fatalf("expected %d zips, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
