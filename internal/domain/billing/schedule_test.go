package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestSplitTotal(t *testing.T) {
	tests := []struct {
		total string
		n     int
		first string
		last  string
	}{
		{"1200.00", 12, "100", "100"},
		{"100.00", 3, "33.33", "33.34"},
		{"10.00", 6, "1.66", "1.7"},
		{"0.05", 4, "0.01", "0.02"},
		{"999.99", 1, "999.99", "999.99"},
	}
	for _, tt := range tests {
		values := SplitTotal(dec(tt.total), tt.n)
		if len(values) != tt.n {
			t.Fatalf("%s/%d: expected %d values, got %d", tt.total, tt.n, tt.n, len(values))
		}
		if !values[0].Equal(dec(tt.first)) || !values[tt.n-1].Equal(dec(tt.last)) {
			t.Errorf("%s/%d: got first=%s last=%s, want %s %s", tt.total, tt.n, values[0], values[tt.n-1], tt.first, tt.last)
		}
	}
}

func TestSplitTotal_SumsExactly(t *testing.T) {
	for _, total := range []string{"0", "0.01", "1", "99.99", "1234.56", "5000", "7777.77"} {
		for n := 1; n <= MaxInstallments; n++ {
			sum := decimal.Zero
			values := SplitTotal(dec(total), n)
			for _, v := range values {
				if v.IsNegative() {
					t.Fatalf("%s/%d: negative installment %s", total, n, v)
				}
				sum = sum.Add(v)
			}
			if !sum.Equal(dec(total)) {
				t.Errorf("%s/%d: installments sum to %s", total, n, sum)
			}
		}
	}
}

func TestSplitTotal_InvalidCount(t *testing.T) {
	if got := SplitTotal(dec("100"), 0); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestDueDate(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		dueDay int
		n      int
		want   time.Time
	}{
		{"first", day(2025, 1, 1), 10, 1, day(2025, 1, 10)},
		{"twelfth", day(2025, 1, 1), 10, 12, day(2025, 12, 10)},
		{"year rollover", day(2025, 11, 20), 5, 3, day(2026, 1, 5)},
		{"day before start", day(2025, 1, 25), 5, 1, day(2025, 1, 5)},
		{"february clamp", day(2025, 1, 31), 31, 2, day(2025, 2, 28)},
		{"leap february", day(2024, 1, 31), 30, 2, day(2024, 2, 29)},
		{"april clamp", day(2025, 1, 1), 31, 4, day(2025, 4, 30)},
		{"non utc start", time.Date(2025, 3, 1, 23, 0, 0, 0, time.FixedZone("BRT", -3*3600)), 15, 1, day(2025, 3, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DueDate(tt.start, tt.dueDay, tt.n)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got.Format(DateLayout), tt.want.Format(DateLayout))
			}
		})
	}
}

func TestBuildSchedule(t *testing.T) {
	tr := &Treatment{ID: uuid.New(), TotalValue: dec("1200.00")}
	plan, err := BuildSchedule(tr, ScheduleRequest{TotalInstallments: 12, StartDate: day(2025, 1, 1), DueDay: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Status != PlanActive || plan.TreatmentID != tr.ID || !plan.InstallmentValue.Equal(dec("100")) {
		t.Errorf("unexpected plan: %+v", plan)
	}
	for i, inst := range plan.Installments {
		if inst.Number != i+1 || inst.Status != InstallmentOpen || !inst.PaidValue.IsZero() || inst.WrittenOff {
			t.Errorf("installment %d not initialised: %+v", i+1, inst)
		}
		if inst.DueDate.Day() != 10 || inst.DueDate.Month() != time.Month(i+1) {
			t.Errorf("installment %d due %s", i+1, inst.DueDate.Format(DateLayout))
		}
	}
}

func TestBuildSchedule_NegativeTotal(t *testing.T) {
	tr := &Treatment{ID: uuid.New(), TotalValue: dec("-1")}
	_, err := BuildSchedule(tr, ScheduleRequest{TotalInstallments: 2, StartDate: day(2025, 1, 1), DueDay: 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestScheduleRequest_Validate(t *testing.T) {
	base := ScheduleRequest{TotalInstallments: 1, StartDate: day(2025, 1, 1), DueDay: 1}
	if err := base.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	upper := ScheduleRequest{TotalInstallments: MaxInstallments, StartDate: day(2025, 1, 1), DueDay: MaxDueDay}
	if err := upper.Validate(); err != nil {
		t.Errorf("unexpected error at upper bounds: %v", err)
	}
	for _, bad := range []ScheduleRequest{
		{TotalInstallments: MaxInstallments + 1, StartDate: day(2025, 1, 1), DueDay: 1},
		{TotalInstallments: -1, StartDate: day(2025, 1, 1), DueDay: 1},
		{TotalInstallments: 1, StartDate: day(2025, 1, 1), DueDay: 0},
		{TotalInstallments: 1, StartDate: day(2025, 1, 1), DueDay: MaxDueDay + 1},
	} {
		if err := bad.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", bad, err)
		}
	}
}
