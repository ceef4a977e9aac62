package billing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// NeutralRiskScore is reported when a score cannot be computed.
const NeutralRiskScore = 50

const (
	weightUnpaid      = 25.0
	weightOverdue     = 35.0
	weightOverdueAge  = 25.0
	weightZeroPayment = 15.0

	overdueSaturation     = 5.0
	overdueAgeSaturation  = 60.0
	zeroPaymentSaturation = 3.0

	fallbackUnpaidWeight   = 80.0
	fallbackOverduePenalty = 20.0
)

// RiskModel selects the scoring formula. Treatments with a payment plan use
// the weighted four-factor model, the rest use the fallback heuristic.
type RiskModel int

const (
	RiskModelFallback RiskModel = iota
	RiskModelWeightedPlan
)

func (m RiskModel) String() string {
	if m == RiskModelWeightedPlan {
		return "weighted_plan"
	}
	return "fallback"
}

// RiskLevel is the ordinal bucket of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskInput is the snapshot a score is computed from.
type RiskInput struct {
	Model        RiskModel
	Total        decimal.Decimal
	Paid         decimal.Decimal
	Status       TreatmentStatus
	OverdueDays  []int // one entry per installment currently marked overdue
	ZeroPayments int
}

// Risk is the result served by the treatment-risk endpoint.
type Risk struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
	Model string    `json:"model"`
}

// NewRiskInput builds the scoring snapshot for a treatment. installments is
// nil when the treatment has no payment plan.
func NewRiskInput(t *Treatment, plan *PaymentPlan, installments []*Installment, zeroPayments int, now time.Time) RiskInput {
	in := RiskInput{
		Model:  RiskModelFallback,
		Total:  t.TotalValue,
		Paid:   t.PaidTotal,
		Status: t.Status,
	}
	if plan == nil {
		return in
	}
	in.Model = RiskModelWeightedPlan
	in.ZeroPayments = zeroPayments
	for _, inst := range installments {
		if inst.Status == InstallmentOverdue {
			in.OverdueDays = append(in.OverdueDays, inst.DaysOverdue(now))
		}
	}
	return in
}

// UnpaidFraction is (total - paid) / total, or 0 for zero-valued treatments.
func (in RiskInput) UnpaidFraction() float64 {
	if !in.Total.IsPositive() {
		return 0
	}
	return in.Total.Sub(in.Paid).Div(in.Total).InexactFloat64()
}

// ScoreRisk computes the 0-100 delinquency score for in.
func ScoreRisk(in RiskInput) int {
	unpaid := in.UnpaidFraction()

	var score float64
	switch in.Model {
	case RiskModelWeightedPlan:
		score = unpaid * weightUnpaid
		score += math.Min(float64(len(in.OverdueDays))/overdueSaturation, 1) * weightOverdue
		if len(in.OverdueDays) > 0 {
			var days int
			for _, d := range in.OverdueDays {
				days += d
			}
			mean := float64(days) / float64(len(in.OverdueDays))
			score += math.Min(mean/overdueAgeSaturation, 1) * weightOverdueAge
		}
		score += math.Min(float64(in.ZeroPayments)/zeroPaymentSaturation, 1) * weightZeroPayment
	default:
		score = unpaid * fallbackUnpaidWeight
		if in.Status == TreatmentOverdue {
			score += fallbackOverduePenalty
		}
	}
	return clampScore(int(math.Round(score)))
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// LevelForScore buckets a 0-100 score. Each tier's upper bound is exclusive.
func LevelForScore(score int) RiskLevel {
	f := float64(clampScore(score)) / 100
	switch {
	case f < 0.25:
		return RiskLow
	case f < 0.5:
		return RiskMedium
	case f < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
