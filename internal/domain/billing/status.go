package billing

import "time"

// ResolveStatus derives a treatment's status from its paid total and its
// schedule. It holds no memory of earlier statuses.
func ResolveStatus(t *Treatment, installments []*Installment, now time.Time) TreatmentStatus {
	if t.PaidTotal.GreaterThanOrEqual(t.TotalValue) {
		return TreatmentPaid
	}
	for _, inst := range installments {
		if !inst.DueDate.Before(now) {
			continue
		}
		if inst.Status == InstallmentOpen || inst.Status == InstallmentOverdue {
			return TreatmentOverdue
		}
	}
	return TreatmentOpen
}

// applyStatus stores status on t. CompletedAt is stamped on the first move
// to paid, kept while the treatment stays paid and cleared otherwise.
func applyStatus(t *Treatment, status TreatmentStatus, now time.Time) {
	t.Status = status
	if status != TreatmentPaid {
		t.CompletedAt = nil
		return
	}
	if t.CompletedAt == nil {
		done := now.UTC()
		t.CompletedAt = &done
		end := civilDate(now)
		t.EndDate = &end
	}
}
