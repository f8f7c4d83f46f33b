/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. All escrow
 * invariants that must hold under concurrency are enforced here in single
 * statements:
 *
 *   - the partial unique index `payments_open_pair_idx` on
 *     (project_id, bg_id) WHERE status IN ('PENDING','FUNDED') makes the
 *     "one open payment per pair" rule atomic at insert time;
 *   - status transitions are `UPDATE ... WHERE id = $1 AND status = $2`
 *     compare-and-swap statements, so a racing caller observes zero rows
 *     affected instead of corrupting state.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and row scanning.
 * - github.com/google/uuid: UUID handling.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bootsground/escrow-service/internal/domain"
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Identity ---

func (r *PostgresRepository) FindPrincipalBySubject(ctx context.Context, subject string) (*domain.Principal, error) {
	query := `SELECT id, subject, role FROM users WHERE subject = $1`
	var p domain.Principal
	if err := r.db.QueryRow(ctx, query, subject).Scan(&p.UserID, &p.Subject, &p.Role); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find principal: %w", err)
	}
	return &p, nil
}

// --- Projects ---

func (r *PostgresRepository) FindProjectByID(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	query := `
		SELECT id, investor_id, title, city, state, zip_code, pay_per_visit, scope_tags, status, created_at, updated_at
		FROM projects
		WHERE id = $1
	`
	var proj domain.Project
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&proj.ID, &proj.InvestorID, &proj.Title, &proj.City, &proj.State,
		&proj.ZipCode, &proj.PayPerVisit, &proj.ScopeTags, &proj.Status,
		&proj.CreatedAt, &proj.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("find project: %w", err)
	}
	return &proj, nil
}

func (r *PostgresRepository) ListOpenProjectsForZips(ctx context.Context, zips []string) ([]domain.Project, error) {
	// A BG with no saved service zips sees every open project; otherwise a
	// project matches when its zip is in the BG's set or the project has no
	// zip at all.
	query := `
		SELECT id, investor_id, title, city, state, zip_code, pay_per_visit, scope_tags, status, created_at, updated_at
		FROM projects
		WHERE status = 'OPEN'
		  AND (cardinality($1::text[]) = 0 OR zip_code = '' OR zip_code = ANY($1::text[]))
		ORDER BY created_at, id
	`
	if zips == nil {
		zips = []string{}
	}
	rows, err := r.db.Query(ctx, query, zips)
	if err != nil {
		return nil, fmt.Errorf("list open projects: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var proj domain.Project
		if err := rows.Scan(
			&proj.ID, &proj.InvestorID, &proj.Title, &proj.City, &proj.State,
			&proj.ZipCode, &proj.PayPerVisit, &proj.ScopeTags, &proj.Status,
			&proj.CreatedAt, &proj.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, proj)
	}
	return projects, rows.Err()
}

func (r *PostgresRepository) UpdateProjectStatus(ctx context.Context, projectID uuid.UUID, from, to domain.ProjectStatus) (bool, error) {
	query := `
		UPDATE projects SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.Exec(ctx, query, projectID, from, to)
	if err != nil {
		return false, fmt.Errorf("update project status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) DeleteOpenUnfundedProject(ctx context.Context, projectID, investorID uuid.UUID) error {
	query := `
		DELETE FROM projects
		WHERE id = $1 AND investor_id = $2 AND status = 'OPEN'
		  AND NOT EXISTS (SELECT 1 FROM payments WHERE project_id = $1)
	`
	tag, err := r.db.Exec(ctx, query, projectID, investorID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "not found / not owner" from "has payments" for callers.
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE project_id = $1)`, projectID).Scan(&exists); err == nil && exists {
			return ErrProjectHasPayments
		}
		return ErrProjectNotFound
	}
	return nil
}

// --- BG profiles ---

const bgColumns = `
	id, user_id, subject, first_name, last_name, service_zip_codes,
	processor_account_id, onboarding_status, details_submitted,
	charges_enabled, payouts_enabled, created_at, updated_at
`

func scanBG(row pgx.Row) (*domain.BGProfile, error) {
	var bg domain.BGProfile
	var userID uuid.UUID
	err := row.Scan(
		&bg.ID, &userID, &bg.Subject, &bg.FirstName, &bg.LastName,
		&bg.ServiceZipCodes, &bg.ProcessorAccountID, &bg.OnboardingStatus,
		&bg.Flags.DetailsSubmitted, &bg.Flags.ChargesEnabled,
		&bg.Flags.PayoutsEnabled, &bg.CreatedAt, &bg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bg, nil
}

func (r *PostgresRepository) FindBGByID(ctx context.Context, bgID uuid.UUID) (*domain.BGProfile, error) {
	query := `SELECT ` + bgColumns + ` FROM bg_profiles WHERE id = $1`
	bg, err := scanBG(r.db.QueryRow(ctx, query, bgID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBGNotFound
		}
		return nil, fmt.Errorf("find bg: %w", err)
	}
	return bg, nil
}

func (r *PostgresRepository) FindBGByUserID(ctx context.Context, userID uuid.UUID) (*domain.BGProfile, error) {
	query := `SELECT ` + bgColumns + ` FROM bg_profiles WHERE user_id = $1`
	bg, err := scanBG(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBGNotFound
		}
		return nil, fmt.Errorf("find bg by user: %w", err)
	}
	return bg, nil
}

func (r *PostgresRepository) ListBGsServingZip(ctx context.Context, zip string) ([]domain.BGProfile, error) {
	// An empty zip means "no zip filter": every BG is a candidate. Ordering by
	// creation time keeps the matching result deterministic for a fixed set.
	query := `
		SELECT ` + bgColumns + `
		FROM bg_profiles
		WHERE $1 = '' OR $1 = ANY(service_zip_codes)
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, zip)
	if err != nil {
		return nil, fmt.Errorf("list bgs for zip: %w", err)
	}
	defer rows.Close()

	var bgs []domain.BGProfile
	for rows.Next() {
		bg, err := scanBG(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bg: %w", err)
		}
		bgs = append(bgs, *bg)
	}
	return bgs, rows.Err()
}

func (r *PostgresRepository) UpdateBGServiceZips(ctx context.Context, bgID uuid.UUID, zips []string) error {
	if zips == nil {
		zips = []string{}
	}
	query := `UPDATE bg_profiles SET service_zip_codes = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, bgID, zips)
	if err != nil {
		return fmt.Errorf("update service zips: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBGNotFound
	}
	return nil
}

func (r *PostgresRepository) SetBGProcessorAccount(ctx context.Context, bgID uuid.UUID, accountID string) error {
	query := `
		UPDATE bg_profiles
		SET processor_account_id = $2,
		    onboarding_status = CASE WHEN onboarding_status = 'NOT_STARTED' THEN 'PENDING' ELSE onboarding_status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, bgID, accountID)
	if err != nil {
		return fmt.Errorf("set processor account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBGNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateBGOnboarding(ctx context.Context, bgID uuid.UUID, flags domain.AccountFlags, state domain.OnboardingState) error {
	query := `
		UPDATE bg_profiles
		SET details_submitted = $2, charges_enabled = $3, payouts_enabled = $4,
		    onboarding_status = $5, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, bgID, flags.DetailsSubmitted, flags.ChargesEnabled, flags.PayoutsEnabled, state)
	if err != nil {
		return fmt.Errorf("update onboarding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBGNotFound
	}
	return nil
}

// --- Interests ---

func (r *PostgresRepository) UpsertInterest(ctx context.Context, interest *domain.Interest) (*domain.Interest, error) {
	// Re-expressing interest reactivates a withdrawn row and refreshes the
	// message instead of violating the (project, bg) uniqueness.
	query := `
		INSERT INTO interests (id, project_id, bg_id, status, message, created_at)
		VALUES ($1, $2, $3, 'ACTIVE', $4, NOW())
		ON CONFLICT (project_id, bg_id)
		DO UPDATE SET status = 'ACTIVE', message = EXCLUDED.message
		RETURNING id, project_id, bg_id, status, message, created_at
	`
	var out domain.Interest
	err := r.db.QueryRow(ctx, query, interest.ID, interest.ProjectID, interest.BGID, interest.Message).Scan(
		&out.ID, &out.ProjectID, &out.BGID, &out.Status, &out.Message, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert interest: %w", err)
	}
	return &out, nil
}

// --- Payments ---

const paymentColumns = `
	id, project_id, bg_id, amount_total, platform_fee, amount_to_bg, status,
	processor_intent_id, processor_transfer_id, failure_reason,
	reconcile_needed, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.BGID, &p.AmountTotal, &p.PlatformFee,
		&p.AmountToBG, &p.Status, &p.ProcessorIntentID, &p.ProcessorTransferID,
		&p.FailureReason, &p.ReconcileNeeded, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, project_id, bg_id, amount_total, platform_fee, amount_to_bg, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		payment.ID, payment.ProjectID, payment.BGID,
		payment.AmountTotal, payment.PlatformFee, payment.AmountToBG,
		payment.Status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenPaymentExists
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeletePayment(ctx context.Context, paymentID uuid.UUID) error {
	// Only used to roll back a creation whose gateway call never produced an
	// intent; funded history is never deleted.
	query := `DELETE FROM payments WHERE id = $1 AND status = 'PENDING' AND processor_intent_id IS NULL`
	if _, err := r.db.Exec(ctx, query, paymentID); err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) FindPaymentByIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE processor_intent_id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, intentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment by intent: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListPaymentsByProject(ctx context.Context, projectID uuid.UUID) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE project_id = $1 ORDER BY created_at DESC, id`
	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) SetPaymentIntent(ctx context.Context, paymentID uuid.UUID, intentID string) error {
	query := `UPDATE payments SET processor_intent_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, paymentID, intentID)
	if err != nil {
		return fmt.Errorf("set payment intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PostgresRepository) SetPaymentTransferID(ctx context.Context, paymentID uuid.UUID, transferID string) error {
	query := `UPDATE payments SET processor_transfer_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, paymentID, transferID)
	if err != nil {
		return fmt.Errorf("set payment transfer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PostgresRepository) SetPaymentReconcileNeeded(ctx context.Context, paymentID uuid.UUID, needed bool) error {
	query := `UPDATE payments SET reconcile_needed = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, paymentID, needed)
	if err != nil {
		return fmt.Errorf("set reconcile flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkPaymentFunded(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'FUNDED', reconcile_needed = FALSE, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Exec(ctx, query, paymentID)
	if err != nil {
		return false, fmt.Errorf("mark funded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'FAILED', reconcile_needed = FALSE, failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := r.db.Exec(ctx, query, paymentID, reason)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkPaymentReleased(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'RELEASED', reconcile_needed = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'FUNDED'
	`
	tag, err := r.db.Exec(ctx, query, paymentID)
	if err != nil {
		return false, fmt.Errorf("mark released: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Reconciliation + visits ---

func (r *PostgresRepository) ListReconcileCandidates(ctx context.Context, limit int, olderThan time.Time) ([]domain.Payment, error) {
	// Candidates are payments explicitly parked for reconciliation plus
	// PENDING rows old enough that their confirmation is presumed lost.
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE (reconcile_needed = TRUE OR status = 'PENDING') AND updated_at < $2
		ORDER BY updated_at
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconcile candidate: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) ListVisitsForBG(ctx context.Context, bgID uuid.UUID) ([]domain.Visit, error) {
	query := `
		SELECT p.id, pr.id, pr.title, pr.city, pr.state, pr.zip_code, p.amount_to_bg, p.updated_at
		FROM payments p
		JOIN projects pr ON pr.id = p.project_id
		WHERE p.bg_id = $1 AND p.status = 'RELEASED'
		ORDER BY p.updated_at DESC
	`
	rows, err := r.db.Query(ctx, query, bgID)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var visits []domain.Visit
	for rows.Next() {
		var v domain.Visit
		if err := rows.Scan(&v.PaymentID, &v.ProjectID, &v.Title, &v.City, &v.State, &v.ZipCode, &v.AmountToBG, &v.ReleasedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}
