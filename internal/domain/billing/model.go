package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MaxInstallments is the largest schedule a plan may carry.
	MaxInstallments = 24
	// MinDueDay and MaxDueDay bound the day of month installments fall due on.
	MinDueDay = 1
	MaxDueDay = 28
	// WriteOffAfterDays is how long an installment may stay overdue before
	// it is flagged as written off.
	WriteOffAfterDays = 60
	// MaxNoteLength caps the free-text note attached to a payment.
	MaxNoteLength = 500
)

// TreatmentStatus is the financial status of a treatment.
type TreatmentStatus string

const (
	TreatmentOpen    TreatmentStatus = "open"
	TreatmentPaid    TreatmentStatus = "paid"
	TreatmentOverdue TreatmentStatus = "overdue"
)

// InstallmentStatus is the collection status of a single installment.
type InstallmentStatus string

const (
	InstallmentOpen    InstallmentStatus = "open"
	InstallmentPaid    InstallmentStatus = "paid"
	InstallmentOverdue InstallmentStatus = "overdue"
)

// PlanStatus is the status of a payment plan. Plans are created active and
// never change afterwards.
type PlanStatus string

const PlanActive PlanStatus = "active"

// PaymentMethod enumerates how a payment was received.
type PaymentMethod string

const (
	MethodInstantTransfer PaymentMethod = "instant_transfer"
	MethodCreditCard      PaymentMethod = "credit_card"
	MethodDebitCard       PaymentMethod = "debit_card"
	MethodCash            PaymentMethod = "cash"
	MethodBankSlip        PaymentMethod = "bank_slip"
	MethodWireTransfer    PaymentMethod = "wire_transfer"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodInstantTransfer: true,
	MethodCreditCard:      true,
	MethodDebitCard:       true,
	MethodCash:            true,
	MethodBankSlip:        true,
	MethodWireTransfer:    true,
}

// Valid reports whether m is one of the accepted payment methods.
func (m PaymentMethod) Valid() bool {
	return validPaymentMethods[m]
}

// Treatment maps to the treatment table. Only the financial columns are
// owned by this package; the rest is maintained by the clinical CRUD layer.
type Treatment struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	PatientID   *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	Description string          `db:"description" json:"description"`
	TotalValue  decimal.Decimal `db:"total_value" json:"total_value"`
	PaidTotal   decimal.Decimal `db:"paid_total" json:"paid_total"`
	StartDate   time.Time       `db:"start_date" json:"start_date"`
	EndDate     *time.Time      `db:"end_date" json:"end_date,omitempty"`
	Status      TreatmentStatus `db:"status" json:"status"`
	RiskScore   int             `db:"risk_score" json:"risk_score"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Balance returns the outstanding amount. It is negative when the
// treatment was overpaid.
func (t *Treatment) Balance() decimal.Decimal {
	return t.TotalValue.Sub(t.PaidTotal)
}

// PaymentPlan maps to the payment_plan table.
type PaymentPlan struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	TreatmentID       uuid.UUID       `db:"treatment_id" json:"treatment_id"`
	TotalInstallments int             `db:"total_installments" json:"total_installments"`
	InstallmentValue  decimal.Decimal `db:"installment_value" json:"installment_value"`
	StartDate         time.Time       `db:"start_date" json:"start_date"`
	DueDay            int             `db:"due_day" json:"due_day"`
	Status            PlanStatus      `db:"status" json:"status"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	Installments      []*Installment  `json:"installments,omitempty"`
}

// Installment maps to the installment table. TreatmentID is resolved
// through the owning plan and is not stored on the row.
type Installment struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	PlanID        uuid.UUID         `db:"plan_id" json:"plan_id"`
	TreatmentID   uuid.UUID         `json:"treatment_id"`
	Number        int               `db:"number" json:"number"`
	ExpectedValue decimal.Decimal   `db:"expected_value" json:"expected_value"`
	PaidValue     decimal.Decimal   `db:"paid_value" json:"paid_value"`
	DueDate       time.Time         `db:"due_date" json:"due_date"`
	PaymentDate   *time.Time        `db:"payment_date" json:"payment_date,omitempty"`
	Status        InstallmentStatus `db:"status" json:"status"`
	WrittenOff    bool              `db:"written_off" json:"written_off"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// Outstanding returns what is still owed on the installment, never below zero.
func (i *Installment) Outstanding() decimal.Decimal {
	rest := i.ExpectedValue.Sub(i.PaidValue)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// DaysOverdue returns the whole days elapsed since the due date, or 0 when
// the installment is not yet due.
func (i *Installment) DaysOverdue(now time.Time) int {
	d := int(now.Sub(i.DueDate).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Payment maps to the append-only payment table.
type Payment struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TreatmentID   uuid.UUID       `db:"treatment_id" json:"treatment_id"`
	InstallmentID *uuid.UUID      `db:"installment_id" json:"installment_id,omitempty"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Method        PaymentMethod   `db:"method" json:"method"`
	ProofURL      *string         `db:"proof_url" json:"proof_url,omitempty"`
	Note          *string         `db:"note" json:"note,omitempty"`
	ReceivedBy    string          `db:"received_by" json:"received_by"`
	PaidAt        time.Time       `db:"paid_at" json:"paid_at"`
}

// Balance is the read model behind the treatment-balance endpoint.
type Balance struct {
	TreatmentID uuid.UUID       `json:"treatment_id"`
	Total       decimal.Decimal `json:"total"`
	Paid        decimal.Decimal `json:"paid"`
	Balance     decimal.Decimal `json:"balance"`
	PercentPaid decimal.Decimal `json:"percent_paid"`
}

// NewBalance derives the balance view of a treatment. PercentPaid is
// rounded to two decimals and is zero for zero-valued treatments.
func NewBalance(t *Treatment) Balance {
	b := Balance{
		TreatmentID: t.ID,
		Total:       t.TotalValue,
		Paid:        t.PaidTotal,
		Balance:     t.Balance(),
		PercentPaid: decimal.Zero,
	}
	if t.TotalValue.IsPositive() {
		b.PercentPaid = t.PaidTotal.Mul(decimal.NewFromInt(100)).Div(t.TotalValue).Round(2)
	}
	return b
}

// MethodSummary aggregates payments that share a method.
type MethodSummary struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// TreatmentPayments is the per-treatment payment history with a summary.
type TreatmentPayments struct {
	TreatmentID   uuid.UUID                       `json:"treatment_id"`
	Status        TreatmentStatus                 `json:"status"`
	Balance       Balance                         `json:"balance"`
	Payments      []*Payment                      `json:"payments"`
	TotalPayments int                             `json:"total_payments"`
	ByMethod      map[PaymentMethod]MethodSummary `json:"by_method"`
}

// DebtorSummary is one row of the financial overview.
type DebtorSummary struct {
	TreatmentID uuid.UUID       `json:"treatment_id"`
	Description string          `json:"description"`
	RiskScore   int             `json:"risk_score"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	OverdueDebt decimal.Decimal `json:"overdue_debt"`
}

// Overview is the administrative snapshot of delinquency.
type Overview struct {
	TotalOverdue decimal.Decimal  `json:"total_overdue"`
	Debtors      []*DebtorSummary `json:"debtors"`
	GeneratedAt  time.Time        `json:"generated_at"`
}
