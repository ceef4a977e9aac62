package billing

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/easycore/easycore/internal/platform/audit"
)

// SystemActor is recorded as the actor of unattended operations.
const SystemActor = "system"

// OverviewSize is the number of debtors listed in the financial overview.
const OverviewSize = 10

type Service struct {
	store  Store
	audit  audit.Recorder
	logger zerolog.Logger
	now    func() time.Time
	locker Locker
	sweeps singleflight.Group
}

func NewService(store Store, rec audit.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		audit:  rec,
		logger: logger.With().Str("component", "billing").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetLocker attaches a cross-process lock for sweeps.
func (s *Service) SetLocker(l Locker) {
	s.locker = l
}

// Now returns the service's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// -- Schedule --

// CreatePlan generates and stores a payment plan with all of its
// installments in one transaction. A treatment can have a single plan.
func (s *Service) CreatePlan(ctx context.Context, actor string, treatmentID uuid.UUID, req ScheduleRequest) (*PaymentPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now()

	var plan *PaymentPlan
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		t, err := repo.LockTreatment(ctx, treatmentID)
		if err != nil {
			return err
		}
		if _, err := repo.GetPlanByTreatment(ctx, treatmentID); err == nil {
			return conflictErr("plan exists for treatment %s", treatmentID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		plan, err = BuildSchedule(t, req)
		if err != nil {
			return err
		}
		if err := repo.CreatePlan(ctx, plan); err != nil {
			return err
		}
		for _, inst := range plan.Installments {
			inst.PlanID = plan.ID
			if err := repo.CreateInstallment(ctx, inst); err != nil {
				return err
			}
		}
		return s.refreshLedger(ctx, repo, t, plan, plan.Installments, now)
	})
	if err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.logger, s.audit, audit.Entry{
		UserID: actor,
		Action: audit.ActionTreatmentUpdated,
		Details: map[string]any{
			"action":             "PAYMENT_PLAN_CREATED",
			"treatment_id":       treatmentID.String(),
			"plan_id":            plan.ID.String(),
			"total_installments": plan.TotalInstallments,
		},
	})
	return plan, nil
}

// GetPlan returns a treatment's plan with its installments ordered by number.
func (s *Service) GetPlan(ctx context.Context, treatmentID uuid.UUID) (*PaymentPlan, error) {
	plan, installments, err := loadSchedule(ctx, s.store, treatmentID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, notFoundErr("payment plan")
	}
	plan.Installments = installments
	return plan, nil
}

// loadSchedule returns the treatment's plan and installments, or nils when
// the treatment has no plan.
func loadSchedule(ctx context.Context, repo Repository, treatmentID uuid.UUID) (*PaymentPlan, []*Installment, error) {
	plan, err := repo.GetPlanByTreatment(ctx, treatmentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	installments, err := repo.ListInstallmentsByPlan(ctx, plan.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, inst := range installments {
		inst.TreatmentID = treatmentID
	}
	return plan, installments, nil
}

// -- Ledger --

// PaymentInput carries a payment to be recorded. InstallmentID is nil for
// payments against the treatment's unscheduled balance.
type PaymentInput struct {
	TreatmentID   uuid.UUID       `json:"treatment_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	ProofURL      *string         `json:"proof_url,omitempty"`
	Note          *string         `json:"note,omitempty"`
	ReceivedBy    string          `json:"-"`
}

func (in PaymentInput) Validate() error {
	if in.Amount.IsNegative() {
		return validationErr("amount must not be negative")
	}
	if !in.Amount.Equal(in.Amount.Truncate(2)) {
		return validationErr("amount must have at most two decimal places")
	}
	if !in.Method.Valid() {
		return validationErr("invalid payment method: %q", in.Method)
	}
	if in.ProofURL != nil {
		u, err := url.Parse(*in.ProofURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return validationErr("proof_url must be an absolute URL")
		}
	}
	if in.Note != nil && len([]rune(*in.Note)) > MaxNoteLength {
		return validationErr("note must be at most %d characters", MaxNoteLength)
	}
	if in.ReceivedBy == "" {
		return validationErr("receiving user is required")
	}
	return nil
}

// TreatmentPaymentResult is returned for payments against a treatment.
type TreatmentPaymentResult struct {
	Payment   *Payment `json:"payment"`
	Treatment Balance  `json:"treatment"`
}

// RecordInstallmentPayment records a payment against one installment.
func (s *Service) RecordInstallmentPayment(ctx context.Context, installmentID uuid.UUID, in PaymentInput) (*Payment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	in.InstallmentID = &installmentID
	in.TreatmentID = inst.TreatmentID

	p, _, err := s.recordPayment(ctx, in)
	return p, err
}

// RecordTreatmentPayment records a payment against a treatment's balance.
// Fully paid treatments reject further payments.
func (s *Service) RecordTreatmentPayment(ctx context.Context, in PaymentInput) (*TreatmentPaymentResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.TreatmentID == uuid.Nil {
		return nil, validationErr("treatment_id is required")
	}
	in.InstallmentID = nil

	p, t, err := s.recordPayment(ctx, in)
	if err != nil {
		return nil, err
	}
	return &TreatmentPaymentResult{Payment: p, Treatment: NewBalance(t)}, nil
}

// recordPayment stores the payment and brings the treatment's paid total,
// status and risk score up to date, all in one transaction holding the
// treatment's row lock.
func (s *Service) recordPayment(ctx context.Context, in PaymentInput) (*Payment, *Treatment, error) {
	now := s.now()
	p := &Payment{
		TreatmentID:   in.TreatmentID,
		InstallmentID: in.InstallmentID,
		Amount:        in.Amount,
		Method:        in.Method,
		ProofURL:      in.ProofURL,
		Note:          in.Note,
		ReceivedBy:    in.ReceivedBy,
	}

	var t *Treatment
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		var err error
		t, err = repo.LockTreatment(ctx, in.TreatmentID)
		if err != nil {
			return err
		}

		if in.InstallmentID == nil {
			if t.PaidTotal.GreaterThanOrEqual(t.TotalValue) {
				return conflictErr("treatment %s is already fully paid", t.ID)
			}
		} else {
			inst, err := repo.GetInstallment(ctx, *in.InstallmentID)
			if err != nil {
				return err
			}
			if inst.TreatmentID != t.ID {
				return validationErr("installment %s does not belong to treatment %s", inst.ID, t.ID)
			}
			if ApplyInstallmentPayment(inst, in.Amount, now) {
				if err := repo.UpdateInstallment(ctx, inst); err != nil {
					return err
				}
			}
		}

		if err := repo.CreatePayment(ctx, p); err != nil {
			return err
		}
		plan, installments, err := loadSchedule(ctx, repo, t.ID)
		if err != nil {
			return err
		}
		return s.refreshLedger(ctx, repo, t, plan, installments, now)
	})
	if err != nil {
		return nil, nil, err
	}

	details := map[string]any{
		"payment_id":   p.ID.String(),
		"treatment_id": p.TreatmentID.String(),
		"amount":       p.Amount.StringFixed(2),
		"method":       string(p.Method),
	}
	if p.InstallmentID != nil {
		details["installment_id"] = p.InstallmentID.String()
	}
	audit.Emit(ctx, s.logger, s.audit, audit.Entry{
		UserID:  in.ReceivedBy,
		Action:  audit.ActionPaymentCreated,
		Details: details,
	})
	if p.InstallmentID != nil && p.Amount.IsZero() {
		audit.Emit(ctx, s.logger, s.audit, audit.Entry{
			UserID: in.ReceivedBy,
			Action: audit.ActionTreatmentUpdated,
			Details: map[string]any{
				"action":         "ZERO_PAYMENT_REGISTERED",
				"treatment_id":   p.TreatmentID.String(),
				"installment_id": p.InstallmentID.String(),
			},
		})
	}
	return p, t, nil
}

// ApplyInstallmentPayment adds amount to the installment's paid value. It
// reports whether the installment changed; zero amounts never change it.
// Once paid, an installment stays paid.
func ApplyInstallmentPayment(inst *Installment, amount decimal.Decimal, now time.Time) bool {
	if !amount.IsPositive() {
		return false
	}
	inst.PaidValue = inst.PaidValue.Add(amount)
	if inst.PaymentDate == nil {
		paidOn := civilDate(now)
		inst.PaymentDate = &paidOn
	}
	if inst.PaidValue.GreaterThanOrEqual(inst.ExpectedValue) {
		inst.Status = InstallmentPaid
	}
	return true
}

// refreshLedger recomputes the paid total from every recorded payment, then
// the status, then the risk score, and stores all three together.
func (s *Service) refreshLedger(ctx context.Context, repo Repository, t *Treatment, plan *PaymentPlan, installments []*Installment, now time.Time) error {
	paid, err := repo.SumPayments(ctx, t.ID)
	if err != nil {
		return err
	}
	t.PaidTotal = paid
	applyStatus(t, ResolveStatus(t, installments, now), now)
	t.RiskScore = s.scoreRisk(ctx, repo, t, plan, installments, now)
	return repo.UpdateTreatmentLedger(ctx, t)
}

// scoreRisk never fails: any error yields NeutralRiskScore. Its reads run
// in a savepoint so a failed query cannot abort the caller's transaction.
func (s *Service) scoreRisk(ctx context.Context, repo Repository, t *Treatment, plan *PaymentPlan, installments []*Installment, now time.Time) int {
	zeros := 0
	if plan != nil {
		err := repo.Savepoint(ctx, func(sp Repository) error {
			n, err := sp.CountZeroPayments(ctx, t.ID)
			zeros = n
			return err
		})
		if err != nil {
			s.logger.Error().Err(err).Str("treatment_id", t.ID.String()).Msg("risk scoring failed, using neutral score")
			return NeutralRiskScore
		}
	}
	return ScoreRisk(NewRiskInput(t, plan, installments, zeros, now))
}

// ComputeRiskScore scores a treatment from its stored state. Missing
// treatments and storage failures yield NeutralRiskScore.
func (s *Service) ComputeRiskScore(ctx context.Context, treatmentID uuid.UUID) int {
	t, err := s.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		s.logger.Error().Err(err).Str("treatment_id", treatmentID.String()).Msg("risk scoring failed, using neutral score")
		return NeutralRiskScore
	}
	plan, installments, err := loadSchedule(ctx, s.store, treatmentID)
	if err != nil {
		s.logger.Error().Err(err).Str("treatment_id", treatmentID.String()).Msg("risk scoring failed, using neutral score")
		return NeutralRiskScore
	}
	return s.scoreRisk(ctx, s.store, t, plan, installments, s.now())
}

// -- Reads --

// GetRisk sweeps the treatment's schedule, refreshing its stored score, and
// returns the score with its level.
func (s *Service) GetRisk(ctx context.Context, treatmentID uuid.UUID) (*Risk, error) {
	if _, err := s.store.GetTreatment(ctx, treatmentID); err != nil {
		return nil, err
	}
	if _, _, err := s.sweepTreatment(ctx, treatmentID, s.now()); err != nil {
		return nil, err
	}
	t, err := s.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	model := RiskModelWeightedPlan
	if _, err := s.store.GetPlanByTreatment(ctx, treatmentID); errors.Is(err, ErrNotFound) {
		model = RiskModelFallback
	} else if err != nil {
		return nil, err
	}
	return &Risk{Score: t.RiskScore, Level: LevelForScore(t.RiskScore), Model: model.String()}, nil
}

// GetBalance returns the treatment's total, paid amount and remainder.
func (s *Service) GetBalance(ctx context.Context, treatmentID uuid.UUID) (*Balance, error) {
	t, err := s.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	b := NewBalance(t)
	return &b, nil
}

func (s *Service) ListPayments(ctx context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	if f.Method != "" && !f.Method.Valid() {
		return nil, 0, validationErr("invalid payment method: %q", f.Method)
	}
	return s.store.ListPayments(ctx, f, limit, offset)
}

// TreatmentPayments returns the treatment's payments, newest first, with
// per-method totals.
func (s *Service) TreatmentPayments(ctx context.Context, treatmentID uuid.UUID) (*TreatmentPayments, error) {
	t, err := s.store.GetTreatment(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPaymentsByTreatment(ctx, treatmentID)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return &TreatmentPayments{
		TreatmentID:   t.ID,
		Status:        t.Status,
		Balance:       NewBalance(t),
		Payments:      payments,
		TotalPayments: len(payments),
		ByMethod:      SummarizeByMethod(payments),
	}, nil
}

// SummarizeByMethod groups payment counts and totals by method.
func SummarizeByMethod(payments []*Payment) map[PaymentMethod]MethodSummary {
	out := make(map[PaymentMethod]MethodSummary)
	for _, p := range payments {
		sum := out[p.Method]
		sum.Count++
		sum.Total = sum.Total.Add(p.Amount)
		out[p.Method] = sum
	}
	return out
}

// OverdueInstallment is an overdue installment with collection context.
type OverdueInstallment struct {
	*Installment
	TreatmentDescription string          `json:"treatment_description"`
	DaysOverdue          int             `json:"days_overdue"`
	Outstanding          decimal.Decimal `json:"outstanding"`
}

// OverdueInstallments sweeps, then lists every overdue installment ordered
// by due date.
func (s *Service) OverdueInstallments(ctx context.Context) ([]*OverdueInstallment, error) {
	now := s.now()
	if _, err := s.Sweep(ctx, now); err != nil {
		return nil, err
	}
	installments, err := s.store.ListInstallments(ctx, InstallmentFilter{
		Statuses: []InstallmentStatus{InstallmentOverdue},
	})
	if err != nil {
		return nil, err
	}
	treatments, err := s.treatmentsOf(ctx, installments)
	if err != nil {
		return nil, err
	}
	items := make([]*OverdueInstallment, 0, len(installments))
	for _, inst := range installments {
		item := &OverdueInstallment{
			Installment: inst,
			DaysOverdue: inst.DaysOverdue(now),
			Outstanding: inst.Outstanding(),
		}
		if t, ok := treatments[inst.TreatmentID]; ok {
			item.TreatmentDescription = t.Description
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Service) treatmentsOf(ctx context.Context, installments []*Installment) (map[uuid.UUID]*Treatment, error) {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, inst := range installments {
		if !seen[inst.TreatmentID] {
			seen[inst.TreatmentID] = true
			ids = append(ids, inst.TreatmentID)
		}
	}
	list, err := s.store.ListTreatments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*Treatment, len(list))
	for _, t := range list {
		out[t.ID] = t
	}
	return out, nil
}

// Overview sweeps, then totals overdue debt and lists the riskiest debtors.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	now := s.now()
	if _, err := s.Sweep(ctx, now); err != nil {
		return nil, err
	}
	installments, err := s.store.ListInstallments(ctx, InstallmentFilter{
		Statuses: []InstallmentStatus{InstallmentOverdue},
	})
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	debt := make(map[uuid.UUID]decimal.Decimal)
	for _, inst := range installments {
		owed := inst.ExpectedValue.Sub(inst.PaidValue)
		total = total.Add(owed)
		debt[inst.TreatmentID] = debt[inst.TreatmentID].Add(owed)
	}

	treatments, err := s.treatmentsOf(ctx, installments)
	if err != nil {
		return nil, err
	}
	debtors := make([]*DebtorSummary, 0, len(treatments))
	for id, t := range treatments {
		debtors = append(debtors, &DebtorSummary{
			TreatmentID: id,
			Description: t.Description,
			RiskScore:   t.RiskScore,
			RiskLevel:   LevelForScore(t.RiskScore),
			OverdueDebt: debt[id],
		})
	}
	sort.Slice(debtors, func(i, j int) bool {
		if debtors[i].RiskScore != debtors[j].RiskScore {
			return debtors[i].RiskScore > debtors[j].RiskScore
		}
		if !debtors[i].OverdueDebt.Equal(debtors[j].OverdueDebt) {
			return debtors[i].OverdueDebt.GreaterThan(debtors[j].OverdueDebt)
		}
		return debtors[i].TreatmentID.String() < debtors[j].TreatmentID.String()
	})
	if len(debtors) > OverviewSize {
		debtors = debtors[:OverviewSize]
	}
	return &Overview{TotalOverdue: total, Debtors: debtors, GeneratedAt: now}, nil
}
