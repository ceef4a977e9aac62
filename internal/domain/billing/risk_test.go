package billing

import (
	"testing"
	"time"
)

func TestScoreRisk_WeightedPlan(t *testing.T) {
	in := RiskInput{
		Model:        RiskModelWeightedPlan,
		Total:        dec("1000.00"),
		Paid:         dec("400.00"),
		OverdueDays:  []int{10, 20},
		ZeroPayments: 1,
	}
	if got := ScoreRisk(in); got != 40 {
		t.Errorf("expected 40, got %d", got)
	}
	if LevelForScore(40) != RiskMedium {
		t.Errorf("expected medium, got %s", LevelForScore(40))
	}
}

func TestScoreRisk_WeightedPlanSaturates(t *testing.T) {
	in := RiskInput{
		Model:        RiskModelWeightedPlan,
		Total:        dec("1000.00"),
		Paid:         dec("0"),
		OverdueDays:  []int{90, 120, 61, 70, 80, 100, 65},
		ZeroPayments: 7,
	}
	if got := ScoreRisk(in); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestScoreRisk_Fallback(t *testing.T) {
	tests := []struct {
		name   string
		total  string
		paid   string
		status TreatmentStatus
		want   int
	}{
		{"unpaid open", "500.00", "0", TreatmentOpen, 80},
		{"half paid overdue", "500.00", "250.00", TreatmentOverdue, 60},
		{"unpaid overdue", "500.00", "0", TreatmentOverdue, 100},
		{"paid", "500.00", "500.00", TreatmentPaid, 0},
		{"overpaid", "100.00", "200.00", TreatmentPaid, 0},
		{"zero total", "0", "0", TreatmentOpen, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreRisk(RiskInput{Model: RiskModelFallback, Total: dec(tt.total), Paid: dec(tt.paid), Status: tt.status})
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestScoreRisk_AlwaysInRange(t *testing.T) {
	for _, model := range []RiskModel{RiskModelFallback, RiskModelWeightedPlan} {
		for _, paid := range []string{"-100", "0", "50", "100", "250"} {
			for zeros := 0; zeros < 6; zeros++ {
				in := RiskInput{
					Model:        model,
					Total:        dec("100"),
					Paid:         dec(paid),
					Status:       TreatmentOverdue,
					OverdueDays:  make([]int, zeros),
					ZeroPayments: zeros,
				}
				got := ScoreRisk(in)
				if got < 0 || got > 100 {
					t.Errorf("%s paid=%s zeros=%d: score %d out of range", model, paid, zeros, got)
				}
			}
		}
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{-5, RiskLow},
		{0, RiskLow},
		{24, RiskLow},
		{25, RiskMedium},
		{49, RiskMedium},
		{50, RiskHigh},
		{74, RiskHigh},
		{75, RiskCritical},
		{80, RiskCritical},
		{100, RiskCritical},
		{150, RiskCritical},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestNewRiskInput(t *testing.T) {
	now := day(2025, 3, 15)
	tr := &Treatment{TotalValue: dec("300"), PaidTotal: dec("100"), Status: TreatmentOverdue}

	fallback := NewRiskInput(tr, nil, nil, 3, now)
	if fallback.Model != RiskModelFallback || fallback.ZeroPayments != 0 {
		t.Errorf("expected fallback input without zero payments, got %+v", fallback)
	}

	installments := []*Installment{
		{Status: InstallmentOverdue, DueDate: now.Add(-5 * 24 * time.Hour)},
		{Status: InstallmentPaid, DueDate: now.Add(-40 * 24 * time.Hour)},
		{Status: InstallmentOpen, DueDate: now.Add(24 * time.Hour)},
	}
	in := NewRiskInput(tr, &PaymentPlan{}, installments, 2, now)
	if in.Model != RiskModelWeightedPlan || in.ZeroPayments != 2 {
		t.Errorf("expected weighted input, got %+v", in)
	}
	if len(in.OverdueDays) != 1 || in.OverdueDays[0] != 5 {
		t.Errorf("expected one overdue installment at 5 days, got %v", in.OverdueDays)
	}
}

func TestRiskModel_String(t *testing.T) {
	if RiskModelWeightedPlan.String() != "weighted_plan" || RiskModelFallback.String() != "fallback" {
		t.Error("unexpected model names")
	}
}
