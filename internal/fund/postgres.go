package fund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tripfund/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const fundColumns = `id, itinerary_id, target, contributed, spent, status, created_at, updated_at`

// GetOrCreateFund upserts on the itinerary_id unique constraint. The no-op
// update makes RETURNING yield the existing row; xmax = 0 marks a fresh insert.
func (s *PostgresStore) GetOrCreateFund(ctx context.Context, itineraryID string, target int64) (*Fund, bool, error) {
	f, err := NewFund(itineraryID, target)
	if err != nil {
		return nil, false, err
	}

	var created bool
	row := s.db.Pool().QueryRow(ctx, `
		INSERT INTO funds (`+fundColumns+`)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $5)
		ON CONFLICT (itinerary_id) DO UPDATE SET itinerary_id = EXCLUDED.itinerary_id
		RETURNING `+fundColumns+`, (xmax = 0)
	`, f.ID, f.ItineraryID, f.Target, f.Status, f.CreatedAt)

	var out Fund
	if err := row.Scan(&out.ID, &out.ItineraryID, &out.Target, &out.Contributed, &out.Spent,
		&out.Status, &out.CreatedAt, &out.UpdatedAt, &created); err != nil {
		return nil, false, fmt.Errorf("upserting fund: %w", err)
	}
	return &out, created, nil
}

func (s *PostgresStore) GetFundByItinerary(ctx context.Context, itineraryID string) (*Fund, error) {
	row := s.db.Pool().QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE itinerary_id = $1`, itineraryID)
	f, err := scanFund(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fund for itinerary %s: %w", itineraryID, ErrNotFound)
	}
	return f, err
}

const invoiceColumns = `id, fund_id, title, amount, status, pay_source, created_by, paid_at, created_at`

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.ID, inv.FundID, inv.Title, inv.Amount, inv.Status, inv.PaySource, inv.CreatedBy, inv.PaidAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return getInvoice(ctx, s.db.Pool(), id, false)
}

func (s *PostgresStore) ListInvoices(ctx context.Context, fundID string, limit, offset int) ([]*Invoice, int64, error) {
	var total int64
	if err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE fund_id = $1`, fundID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting invoices: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE fund_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, fundID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

const contributionColumns = `id, fund_id, user_id, amount, purpose, invoice_id, status, txn_ref, gateway, paid_at, created_at, updated_at`

func (s *PostgresStore) CreateContribution(ctx context.Context, c *Contribution) error {
	gateway, err := json.Marshal(c.Gateway)
	if err != nil {
		return err
	}
	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO contributions (`+contributionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.FundID, c.UserID, c.Amount, c.Purpose, c.InvoiceID, c.Status, c.TxnRef, gateway, c.PaidAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting contribution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContributionByTxnRef(ctx context.Context, txnRef string) (*Contribution, error) {
	return getContribution(ctx, s.db.Pool(), txnRef, false)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*Contribution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+contributionColumns+` FROM contributions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale contributions: %w", err)
	}
	defer rows.Close()

	var out []*Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// WithFundLock locks the fund row with SELECT ... FOR UPDATE for the
// duration of one transaction. Deadlocks are retried, so fn may run more
// than once.
func (s *PostgresStore) WithFundLock(ctx context.Context, fundID string, fn func(tx Tx) error) error {
	return database.Retry(ctx, lockAttempts, func() error {
		return s.lockedTx(ctx, fundID, fn)
	})
}

const lockAttempts = 3

func (s *PostgresStore) lockedTx(ctx context.Context, fundID string, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+fundColumns+` FROM funds WHERE id = $1 FOR UPDATE`, fundID)
		f, err := scanFund(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("fund %s: %w", fundID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("locking fund: %w", err)
		}
		return fn(&pgTx{tx: tx, fund: f})
	})
}

type pgTx struct {
	tx   pgx.Tx
	fund *Fund
}

func (t *pgTx) Fund() *Fund { return t.fund }

func (t *pgTx) SaveFund(ctx context.Context) error {
	if err := t.fund.Check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE funds SET target = $2, contributed = $3, spent = $4, status = $5, updated_at = $6
		WHERE id = $1
	`, t.fund.ID, t.fund.Target, t.fund.Contributed, t.fund.Spent, t.fund.Status, t.fund.UpdatedAt)
	if database.IsCheckViolation(err) {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	if err != nil {
		return fmt.Errorf("updating fund: %w", err)
	}
	return nil
}

func (t *pgTx) Contribution(ctx context.Context, txnRef string) (*Contribution, error) {
	return getContribution(ctx, t.tx, txnRef, true)
}

func (t *pgTx) UpdateContribution(ctx context.Context, c *Contribution) error {
	gateway, err := json.Marshal(c.Gateway)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE contributions SET status = $2, gateway = $3, paid_at = $4, updated_at = $5
		WHERE id = $1
	`, c.ID, c.Status, gateway, c.PaidAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating contribution: %w", err)
	}
	return nil
}

func (t *pgTx) Invoice(ctx context.Context, id string) (*Invoice, error) {
	return getInvoice(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE invoices SET status = $2, pay_source = $3, paid_at = $4
		WHERE id = $1
	`, inv.ID, inv.Status, inv.PaySource, inv.PaidAt)
	if err != nil {
		return fmt.Errorf("updating invoice: %w", err)
	}
	return nil
}

func (t *pgTx) CreatePayout(ctx context.Context, p *Payout) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payouts (id, fund_id, invoice_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.FundID, p.InvoiceID, p.UserID, p.Amount, p.CreatedAt)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: invoice %s already has a payout", ErrAlreadySettled, p.InvoiceID)
	}
	if err != nil {
		return fmt.Errorf("inserting payout: %w", err)
	}
	return nil
}

func getInvoice(ctx context.Context, q database.Querier, id string, forUpdate bool) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return inv, err
}

func getContribution(ctx context.Context, q database.Querier, txnRef string, forUpdate bool) (*Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE txn_ref = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanContribution(q.QueryRow(ctx, query, txnRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contribution %s: %w", txnRef, ErrNotFound)
	}
	return c, err
}

func scanFund(row pgx.Row) (*Fund, error) {
	var f Fund
	err := row.Scan(&f.ID, &f.ItineraryID, &f.Target, &f.Contributed, &f.Spent, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var createdBy *string
	err := row.Scan(&inv.ID, &inv.FundID, &inv.Title, &inv.Amount, &inv.Status, &inv.PaySource,
		&createdBy, &inv.PaidAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if createdBy != nil {
		inv.CreatedBy = *createdBy
	}
	return &inv, nil
}

func scanContribution(row pgx.Row) (*Contribution, error) {
	var c Contribution
	var gateway []byte
	err := row.Scan(&c.ID, &c.FundID, &c.UserID, &c.Amount, &c.Purpose, &c.InvoiceID, &c.Status,
		&c.TxnRef, &gateway, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(gateway) > 0 {
		if err := json.Unmarshal(gateway, &c.Gateway); err != nil {
			return nil, fmt.Errorf("decoding gateway metadata: %w", err)
		}
	}
	return &c, nil
}
