package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/easycore/easycore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// =========== Store ===========

type storePG struct {
	repoPG
	pool *pgxpool.Pool
}

// NewStorePG returns a Store backed by PostgreSQL.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{repoPG: repoPG{q: pool}, pool: pool}
}

func (s *storePG) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	return db.RunInTx(ctx, s.pool, func(_ context.Context, tx pgx.Tx) error {
		return fn(&repoPG{q: tx})
	})
}

// =========== Repository ===========

type repoPG struct{ q queryable }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.q
}

// Savepoint runs fn inside a nested transaction. Inside WithinTx this is a
// SAVEPOINT, so a failing fn rolls back only its own work and leaves the
// outer transaction usable.
func (r *repoPG) Savepoint(ctx context.Context, fn func(repo Repository) error) error {
	beginner, ok := r.conn(ctx).(db.TxBeginner)
	if !ok {
		return fn(r)
	}
	sp, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(&repoPG{q: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func noRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundErr(what)
	}
	return err
}

// -- Treatment --

const treatmentCols = `id, patient_id, description, total_value, paid_total,
	start_date, end_date, status, risk_score, completed_at, created_at, updated_at`

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	err := row.Scan(&t.ID, &t.PatientID, &t.Description, &t.TotalValue, &t.PaidTotal,
		&t.StartDate, &t.EndDate, &t.Status, &t.RiskScore, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *repoPG) CreateTreatment(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TreatmentOpen
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment (id, patient_id, description, total_value, paid_total,
			start_date, end_date, status, risk_score, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		t.ID, t.PatientID, t.Description, t.TotalValue, t.PaidTotal,
		t.StartDate, t.EndDate, t.Status, t.RiskScore, t.CompletedAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *repoPG) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	t, err := scanTreatment(r.conn(ctx).QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "treatment")
	}
	return t, nil
}

func (r *repoPG) LockTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	t, err := scanTreatment(r.conn(ctx).QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, noRows(err, "treatment")
	}
	return t, nil
}

func (r *repoPG) UpdateTreatmentLedger(ctx context.Context, t *Treatment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE treatment SET paid_total=$2, status=$3, risk_score=$4, completed_at=$5, end_date=$6, updated_at=NOW()
		WHERE id = $1`,
		t.ID, t.PaidTotal, t.Status, t.RiskScore, t.CompletedAt, t.EndDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("treatment")
	}
	return nil
}

func (r *repoPG) ListTreatments(ctx context.Context, ids []uuid.UUID) ([]*Treatment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE id = ANY($1::uuid[])`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// -- Payment Plan --

const planCols = `id, treatment_id, total_installments, installment_value, start_date, due_day, status, created_at`

func (r *repoPG) CreatePlan(ctx context.Context, p *PaymentPlan) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_plan (id, treatment_id, total_installments, installment_value, start_date, due_day, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		p.ID, p.TreatmentID, p.TotalInstallments, p.InstallmentValue, p.StartDate, p.DueDay, p.Status,
	).Scan(&p.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return conflictErr("plan exists for treatment %s", p.TreatmentID)
	}
	return err
}

func (r *repoPG) GetPlanByTreatment(ctx context.Context, treatmentID uuid.UUID) (*PaymentPlan, error) {
	var p PaymentPlan
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM payment_plan WHERE treatment_id = $1`, treatmentID).
		Scan(&p.ID, &p.TreatmentID, &p.TotalInstallments, &p.InstallmentValue, &p.StartDate, &p.DueDay, &p.Status, &p.CreatedAt)
	if err != nil {
		return nil, noRows(err, "payment plan")
	}
	return &p, nil
}

// -- Installment --

const installmentCols = `i.id, i.plan_id, p.treatment_id, i.number, i.expected_value, i.paid_value,
	i.due_date, i.payment_date, i.status, i.written_off, i.created_at, i.updated_at`

const installmentFrom = ` FROM installment i JOIN payment_plan p ON p.id = i.plan_id`

func scanInstallment(row pgx.Row) (*Installment, error) {
	var i Installment
	err := row.Scan(&i.ID, &i.PlanID, &i.TreatmentID, &i.Number, &i.ExpectedValue, &i.PaidValue,
		&i.DueDate, &i.PaymentDate, &i.Status, &i.WrittenOff, &i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func collectInstallments(rows pgx.Rows) ([]*Installment, error) {
	defer rows.Close()
	var items []*Installment
	for rows.Next() {
		i, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateInstallment(ctx context.Context, i *Installment) error {
	i.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO installment (id, plan_id, number, expected_value, paid_value, due_date, payment_date, status, written_off)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		i.ID, i.PlanID, i.Number, i.ExpectedValue, i.PaidValue, i.DueDate, i.PaymentDate, i.Status, i.WrittenOff,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
}

func (r *repoPG) GetInstallment(ctx context.Context, id uuid.UUID) (*Installment, error) {
	i, err := scanInstallment(r.conn(ctx).QueryRow(ctx, `SELECT `+installmentCols+installmentFrom+` WHERE i.id = $1`, id))
	if err != nil {
		return nil, noRows(err, "installment")
	}
	return i, nil
}

func (r *repoPG) UpdateInstallment(ctx context.Context, i *Installment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE installment SET paid_value=$2, payment_date=$3, status=$4, written_off=$5, updated_at=NOW()
		WHERE id = $1`,
		i.ID, i.PaidValue, i.PaymentDate, i.Status, i.WrittenOff)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundErr("installment")
	}
	return nil
}

func (r *repoPG) ListInstallmentsByPlan(ctx context.Context, planID uuid.UUID) ([]*Installment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+installmentCols+installmentFrom+` WHERE i.plan_id = $1 ORDER BY i.number`, planID)
	if err != nil {
		return nil, err
	}
	return collectInstallments(rows)
}

func (r *repoPG) ListInstallments(ctx context.Context, f InstallmentFilter) ([]*Installment, error) {
	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TreatmentID != nil {
		add("p.treatment_id = $%d", *f.TreatmentID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("i.status = ANY($%d::text[])", statuses)
	}
	if f.DueBefore != nil {
		add("i.due_date < $%d", *f.DueBefore)
	}

	query := `SELECT ` + installmentCols + installmentFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY i.due_date, i.number`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectInstallments(rows)
}

// -- Payment --

const paymentCols = `id, treatment_id, installment_id, amount, method, proof_url, note, received_by, paid_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.TreatmentID, &p.InstallmentID, &p.Amount, &p.Method,
		&p.ProofURL, &p.Note, &p.ReceivedBy, &p.PaidAt)
	return &p, err
}

func (r *repoPG) CreatePayment(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, treatment_id, installment_id, amount, method, proof_url, note, received_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING paid_at`,
		p.ID, p.TreatmentID, p.InstallmentID, p.Amount, p.Method, p.ProofURL, p.Note, p.ReceivedBy,
	).Scan(&p.PaidAt)
}

func (r *repoPG) SumPayments(ctx context.Context, treatmentID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment WHERE treatment_id = $1`, treatmentID).Scan(&total)
	return total, err
}

func (r *repoPG) CountZeroPayments(ctx context.Context, treatmentID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment WHERE treatment_id = $1 AND amount = 0`, treatmentID).Scan(&n)
	return n, err
}

func collectPayments(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPaymentsByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE treatment_id = $1 ORDER BY paid_at DESC, id`, treatmentID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *repoPG) ListPayments(ctx context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	var where []string
	var args []interface{}
	if f.TreatmentID != nil {
		args = append(args, *f.TreatmentID)
		where = append(where, fmt.Sprintf("treatment_id = $%d", len(args)))
	}
	if f.Method != "" {
		args = append(args, f.Method)
		where = append(where, fmt.Sprintf("method = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = ` WHERE ` + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payment`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + paymentCols + ` FROM payment` + cond +
		fmt.Sprintf(` ORDER BY paid_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
