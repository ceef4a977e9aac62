package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/easycore/easycore/internal/platform/audit"
)

// SweepLockKey names the cluster-wide sweep lock.
const SweepLockKey = "easycore:billing:sweep"

// Locker guards a sweep across processes. TryLock reports ok=false when
// another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error)
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	At                  time.Time `json:"at"`
	MarkedOverdue       int       `json:"marked_overdue"`
	WrittenOff          int       `json:"written_off"`
	TreatmentsRefreshed int       `json:"treatments_refreshed"`
	Skipped             bool      `json:"skipped"`
}

// SweepInstallment applies the delinquency rules to inst as of now:
// an open installment past due and not fully paid becomes overdue, and an
// overdue installment due more than WriteOffAfterDays ago is written off.
func SweepInstallment(inst *Installment, now time.Time) (markedOverdue, writtenOff bool) {
	if inst.Status == InstallmentOpen && inst.DueDate.Before(now) && inst.PaidValue.LessThan(inst.ExpectedValue) {
		inst.Status = InstallmentOverdue
		markedOverdue = true
	}
	cutoff := now.AddDate(0, 0, -WriteOffAfterDays)
	if inst.Status == InstallmentOverdue && !inst.WrittenOff && inst.DueDate.Before(cutoff) {
		inst.WrittenOff = true
		writtenOff = true
	}
	return markedOverdue, writtenOff
}

// needsSweep reports whether SweepInstallment would change inst.
func needsSweep(inst *Installment, now time.Time) bool {
	probe := *inst
	overdue, writtenOff := SweepInstallment(&probe, now)
	return overdue || writtenOff
}

// Sweep reclassifies installments as of now and re-derives status and risk
// for every treatment it touched. Running it twice with the same now
// changes nothing the second time. Concurrent calls in one process for the
// same now share a single run; a call for a different now goes to the
// Locker, which skips it while another sweep holds the lock.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	key := SweepLockKey + "@" + now.UTC().Format(time.RFC3339Nano)
	v, err, _ := s.sweeps.Do(key, func() (interface{}, error) {
		return s.sweepOnce(ctx, now)
	})
	if err != nil {
		return SweepResult{At: now}, err
	}
	return v.(SweepResult), nil
}

func (s *Service) sweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	res := SweepResult{At: now}
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, SweepLockKey)
		if err != nil {
			return res, err
		}
		if !ok {
			s.logger.Info().Time("at", now).Msg("sweep already running elsewhere, skipping")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	candidates, err := s.store.ListInstallments(ctx, InstallmentFilter{
		Statuses:  []InstallmentStatus{InstallmentOpen, InstallmentOverdue},
		DueBefore: &now,
	})
	if err != nil {
		return res, err
	}

	var treatments []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, inst := range candidates {
		if seen[inst.TreatmentID] || !needsSweep(inst, now) {
			continue
		}
		seen[inst.TreatmentID] = true
		treatments = append(treatments, inst.TreatmentID)
	}

	var errs []error
	for _, id := range treatments {
		overdue, writtenOff, err := s.sweepTreatment(ctx, id, now)
		if err != nil {
			s.logger.Error().Err(err).Str("treatment_id", id.String()).Msg("sweep failed for treatment")
			errs = append(errs, err)
			continue
		}
		res.MarkedOverdue += overdue
		res.WrittenOff += writtenOff
		res.TreatmentsRefreshed++
	}

	if res.MarkedOverdue > 0 || res.WrittenOff > 0 {
		audit.Emit(ctx, s.logger, s.audit, audit.Entry{
			UserID: SystemActor,
			Action: audit.ActionInstallmentsSwept,
			Details: map[string]any{
				"at":                   now.UTC().Format(time.RFC3339),
				"marked_overdue":       res.MarkedOverdue,
				"written_off":          res.WrittenOff,
				"treatments_refreshed": res.TreatmentsRefreshed,
			},
		})
	}
	s.logger.Info().
		Time("at", now).
		Int("marked_overdue", res.MarkedOverdue).
		Int("written_off", res.WrittenOff).
		Int("treatments_refreshed", res.TreatmentsRefreshed).
		Msg("delinquency sweep finished")

	return res, errors.Join(errs...)
}

// sweepTreatment applies the rules to one treatment's schedule under its
// row lock and refreshes the stored status and risk score.
func (s *Service) sweepTreatment(ctx context.Context, treatmentID uuid.UUID, now time.Time) (overdue, writtenOff int, err error) {
	err = s.store.WithinTx(ctx, func(repo Repository) error {
		overdue, writtenOff = 0, 0
		t, err := repo.LockTreatment(ctx, treatmentID)
		if err != nil {
			return err
		}
		plan, installments, err := loadSchedule(ctx, repo, treatmentID)
		if err != nil {
			return err
		}
		for _, inst := range installments {
			o, w := SweepInstallment(inst, now)
			if !o && !w {
				continue
			}
			if o {
				overdue++
			}
			if w {
				writtenOff++
			}
			if err := repo.UpdateInstallment(ctx, inst); err != nil {
				return err
			}
		}
		return s.refreshLedger(ctx, repo, t, plan, installments, now)
	})
	return overdue, writtenOff, err
}
