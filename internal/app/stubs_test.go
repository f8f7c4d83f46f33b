package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bootsground/escrow-service/internal/domain"
	"github.com/bootsground/escrow-service/internal/store"
	"github.com/bootsground/escrow-service/pkg/stripeclient"
)

// escrowRepoStub embeds the repository interface so each test only overrides
// the methods its flow touches.
type escrowRepoStub struct {
	store.Repository

	project  *domain.Project
	bg       *domain.BGProfile
	payment  *domain.Payment
	bgsInZip []domain.BGProfile

	createPaymentErr error

	createPaymentCalled   bool
	createdPayment        *domain.Payment
	deletePaymentCalled   bool
	setIntentCalled       bool
	setIntentID           string
	setTransferIDCalled   bool
	setTransferID         string
	reconcileFlagCalled   bool
	reconcileFlagValue    bool
	projectStatusUpdated  bool
	onboardingUpdated     bool
	onboardingFlags       domain.AccountFlags
	onboardingState       domain.OnboardingState
	processorAccountSet   string
	markFundedResult      bool
	markFundedCalled      bool
	markFailedResult      bool
	markFailedCalled      bool
	markFailedReason      string
	markReleasedResult    bool
	markReleasedCalled    int
	paymentAfterRelease   *domain.Payment
	reconcileCandidates   []domain.Payment
	listBGsRequestedZip   string
}

func (s *escrowRepoStub) FindProjectByID(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	if s.project == nil {
		return nil, store.ErrProjectNotFound
	}
	return s.project, nil
}

func (s *escrowRepoStub) FindBGByID(ctx context.Context, bgID uuid.UUID) (*domain.BGProfile, error) {
	if s.bg == nil {
		return nil, store.ErrBGNotFound
	}
	return s.bg, nil
}

func (s *escrowRepoStub) FindBGByUserID(ctx context.Context, userID uuid.UUID) (*domain.BGProfile, error) {
	if s.bg == nil {
		return nil, store.ErrBGNotFound
	}
	return s.bg, nil
}

func (s *escrowRepoStub) ListBGsServingZip(ctx context.Context, zip string) ([]domain.BGProfile, error) {
	s.listBGsRequestedZip = zip
	return s.bgsInZip, nil
}

func (s *escrowRepoStub) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	s.createPaymentCalled = true
	if s.createPaymentErr != nil {
		return s.createPaymentErr
	}
	s.createdPayment = payment
	return nil
}

func (s *escrowRepoStub) DeletePayment(ctx context.Context, paymentID uuid.UUID) error {
	s.deletePaymentCalled = true
	return nil
}

func (s *escrowRepoStub) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	if s.paymentAfterRelease != nil && s.markReleasedCalled > 0 {
		return s.paymentAfterRelease, nil
	}
	if s.payment == nil {
		return nil, store.ErrPaymentNotFound
	}
	return s.payment, nil
}

func (s *escrowRepoStub) FindPaymentByIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	if s.payment == nil {
		return nil, store.ErrPaymentNotFound
	}
	return s.payment, nil
}

func (s *escrowRepoStub) SetPaymentIntent(ctx context.Context, paymentID uuid.UUID, intentID string) error {
	s.setIntentCalled = true
	s.setIntentID = intentID
	return nil
}

func (s *escrowRepoStub) SetPaymentTransferID(ctx context.Context, paymentID uuid.UUID, transferID string) error {
	s.setTransferIDCalled = true
	s.setTransferID = transferID
	return nil
}

func (s *escrowRepoStub) SetPaymentReconcileNeeded(ctx context.Context, paymentID uuid.UUID, needed bool) error {
	s.reconcileFlagCalled = true
	s.reconcileFlagValue = needed
	return nil
}

func (s *escrowRepoStub) MarkPaymentFunded(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	s.markFundedCalled = true
	return s.markFundedResult, nil
}

func (s *escrowRepoStub) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) (bool, error) {
	s.markFailedCalled = true
	s.markFailedReason = reason
	return s.markFailedResult, nil
}

func (s *escrowRepoStub) MarkPaymentReleased(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	s.markReleasedCalled++
	return s.markReleasedResult, nil
}

func (s *escrowRepoStub) UpdateProjectStatus(ctx context.Context, projectID uuid.UUID, from, to domain.ProjectStatus) (bool, error) {
	s.projectStatusUpdated = true
	return true, nil
}

func (s *escrowRepoStub) SetBGProcessorAccount(ctx context.Context, bgID uuid.UUID, accountID string) error {
	s.processorAccountSet = accountID
	return nil
}

func (s *escrowRepoStub) UpdateBGOnboarding(ctx context.Context, bgID uuid.UUID, flags domain.AccountFlags, state domain.OnboardingState) error {
	s.onboardingUpdated = true
	s.onboardingFlags = flags
	s.onboardingState = state
	return nil
}

func (s *escrowRepoStub) ListReconcileCandidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.Payment, error) {
	return s.reconcileCandidates, nil
}

// gatewayStub implements ProcessorGateway with per-method hooks and call
// counters so tests can assert how often money-moving calls happen.
type gatewayStub struct {
	createIntentFn   func(ctx context.Context, amount int64, idempotencyKey string) (*stripeclient.PaymentIntent, error)
	getIntentFn      func(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error)
	cancelIntentFn   func(ctx context.Context, intentID, idempotencyKey string) (*stripeclient.PaymentIntent, error)
	createTransferFn func(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*stripeclient.Transfer, error)
	getAccountFn     func(ctx context.Context, accountID string) (*stripeclient.Account, error)

	createIntentCalls   int
	getIntentCalls      int
	cancelIntentCalls   int
	createTransferCalls int
	createAccountCalls  int
	getAccountCalls     int
	transferKeys        []string
}

func (g *gatewayStub) CreatePaymentIntent(ctx context.Context, amount int64, idempotencyKey string) (*stripeclient.PaymentIntent, error) {
	g.createIntentCalls++
	if g.createIntentFn != nil {
		return g.createIntentFn(ctx, amount, idempotencyKey)
	}
	return &stripeclient.PaymentIntent{ID: "pi_stub", ClientSecret: "pi_stub_secret", Status: "requires_payment_method", Amount: amount}, nil
}

func (g *gatewayStub) GetPaymentIntent(ctx context.Context, intentID string) (*stripeclient.PaymentIntent, error) {
	g.getIntentCalls++
	if g.getIntentFn != nil {
		return g.getIntentFn(ctx, intentID)
	}
	return &stripeclient.PaymentIntent{ID: intentID, Status: "processing"}, nil
}

func (g *gatewayStub) CancelPaymentIntent(ctx context.Context, intentID, idempotencyKey string) (*stripeclient.PaymentIntent, error) {
	g.cancelIntentCalls++
	if g.cancelIntentFn != nil {
		return g.cancelIntentFn(ctx, intentID, idempotencyKey)
	}
	return &stripeclient.PaymentIntent{ID: intentID, Status: "canceled"}, nil
}

func (g *gatewayStub) CreateTransfer(ctx context.Context, amount int64, destinationAccountID, idempotencyKey string) (*stripeclient.Transfer, error) {
	g.createTransferCalls++
	g.transferKeys = append(g.transferKeys, idempotencyKey)
	if g.createTransferFn != nil {
		return g.createTransferFn(ctx, amount, destinationAccountID, idempotencyKey)
	}
	return &stripeclient.Transfer{ID: "tr_stub", Amount: amount, Destination: destinationAccountID}, nil
}

func (g *gatewayStub) CreateAccount(ctx context.Context) (*stripeclient.Account, error) {
	g.createAccountCalls++
	return &stripeclient.Account{ID: "acct_stub"}, nil
}

func (g *gatewayStub) GetAccount(ctx context.Context, accountID string) (*stripeclient.Account, error) {
	g.getAccountCalls++
	if g.getAccountFn != nil {
		return g.getAccountFn(ctx, accountID)
	}
	return &stripeclient.Account{ID: accountID}, nil
}

func (g *gatewayStub) CreateAccountLink(ctx context.Context, accountID, refreshURL, returnURL string) (*stripeclient.AccountLink, error) {
	return &stripeclient.AccountLink{URL: "https://processor.example/onboard/" + accountID}, nil
}

// limiterStub records every consume so tests can assert which scope a flow
// charged against.
type limiterStub struct {
	count int
	err   error

	scopes   []string
	subjects []string
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.scopes = append(l.scopes, scope)
	l.subjects = append(l.subjects, subject)
	if l.err != nil {
		return 0, 0, l.err
	}
	return l.count, 30, nil
}

func investorPrincipal(userID uuid.UUID) domain.Principal {
	return domain.Principal{UserID: userID, Subject: "user_investor", Role: domain.RoleInvestor}
}

func bgPrincipal(userID uuid.UUID) domain.Principal {
	return domain.Principal{UserID: userID, Subject: "user_bg", Role: domain.RoleBG}
}

func ptrString(value string) *string {
	return &value
}
