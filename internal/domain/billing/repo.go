package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstallmentFilter narrows installment queries. Zero fields do not filter.
type InstallmentFilter struct {
	TreatmentID *uuid.UUID
	Statuses    []InstallmentStatus
	DueBefore   *time.Time
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	TreatmentID *uuid.UUID
	Method      PaymentMethod
}

// Repository is a storage session. Inside Store.WithinTx every call runs in
// the same transaction.
type Repository interface {
	CreateTreatment(ctx context.Context, t *Treatment) error
	GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error)
	// LockTreatment loads a treatment and holds a row lock on it until the
	// surrounding transaction ends.
	LockTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error)
	UpdateTreatmentLedger(ctx context.Context, t *Treatment) error
	ListTreatments(ctx context.Context, ids []uuid.UUID) ([]*Treatment, error)

	CreatePlan(ctx context.Context, p *PaymentPlan) error
	GetPlanByTreatment(ctx context.Context, treatmentID uuid.UUID) (*PaymentPlan, error)

	CreateInstallment(ctx context.Context, i *Installment) error
	GetInstallment(ctx context.Context, id uuid.UUID) (*Installment, error)
	UpdateInstallment(ctx context.Context, i *Installment) error
	ListInstallmentsByPlan(ctx context.Context, planID uuid.UUID) ([]*Installment, error)
	// ListInstallments returns matches ordered by due date, then number.
	ListInstallments(ctx context.Context, f InstallmentFilter) ([]*Installment, error)

	CreatePayment(ctx context.Context, p *Payment) error
	SumPayments(ctx context.Context, treatmentID uuid.UUID) (decimal.Decimal, error)
	CountZeroPayments(ctx context.Context, treatmentID uuid.UUID) (int, error)
	ListPaymentsByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Payment, error)
	// ListPayments returns a page of payments, newest first, and the total count.
	ListPayments(ctx context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error)

	// Savepoint runs fn so that its failure undoes only fn's own work; the
	// surrounding transaction stays usable.
	Savepoint(ctx context.Context, fn func(repo Repository) error) error
}

// Store hands out storage sessions.
type Store interface {
	Repository
	// WithinTx runs fn in a single transaction, committing when fn returns
	// nil and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}
