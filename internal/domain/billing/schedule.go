package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleRequest describes a plan to be generated for a treatment.
type ScheduleRequest struct {
	TotalInstallments int       `json:"total_installments"`
	StartDate         time.Time `json:"start_date"`
	DueDay            int       `json:"due_day"`
}

// Validate checks the installment count and due day ranges.
func (r ScheduleRequest) Validate() error {
	if r.TotalInstallments < 1 {
		return validationErr("total_installments must be at least 1")
	}
	if r.TotalInstallments > MaxInstallments {
		return validationErr("too many installments: at most %d allowed", MaxInstallments)
	}
	if r.DueDay < MinDueDay || r.DueDay > MaxDueDay {
		return validationErr("due_day must be between %d and %d", MinDueDay, MaxDueDay)
	}
	if r.StartDate.IsZero() {
		return validationErr("start_date is required")
	}
	return nil
}

// SplitTotal divides total into n installment values. Every value but the
// last is total/n truncated to cents; the last absorbs the remainder so the
// values always sum to total exactly.
func SplitTotal(total decimal.Decimal, n int) []decimal.Decimal {
	if n < 1 {
		return nil
	}
	count := decimal.NewFromInt(int64(n))
	base := total.Div(count).Truncate(2)
	values := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		values[i] = base
	}
	values[n-1] = total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	return values
}

// DueDate returns the due date of installment number n (1-indexed): the
// start month advanced by n-1 months with the day forced to dueDay, clamped
// to the last day of shorter months. Dates are civil dates at UTC midnight.
func DueDate(start time.Time, dueDay, n int) time.Time {
	start = start.UTC()
	first := time.Date(start.Year(), start.Month()+time.Month(n-1), 1, 0, 0, 0, 0, time.UTC)
	day := dueDay
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// civilDate truncates t to UTC midnight.
func civilDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// BuildSchedule produces the unsaved plan and installments for a treatment.
func BuildSchedule(t *Treatment, req ScheduleRequest) (*PaymentPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if t.TotalValue.IsNegative() {
		return nil, validationErr("treatment total value is negative")
	}
	values := SplitTotal(t.TotalValue, req.TotalInstallments)
	plan := &PaymentPlan{
		TreatmentID:       t.ID,
		TotalInstallments: req.TotalInstallments,
		InstallmentValue:  values[0],
		StartDate:         civilDate(req.StartDate),
		DueDay:            req.DueDay,
		Status:            PlanActive,
	}
	for n := 1; n <= req.TotalInstallments; n++ {
		plan.Installments = append(plan.Installments, &Installment{
			TreatmentID:   t.ID,
			Number:        n,
			ExpectedValue: values[n-1],
			PaidValue:     decimal.Zero,
			DueDate:       DueDate(plan.StartDate, req.DueDay, n),
			Status:        InstallmentOpen,
		})
	}
	return plan, nil
}
