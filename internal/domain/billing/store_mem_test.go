package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memState is a value copy of everything the in-memory store holds.
type memState struct {
	treatments   map[uuid.UUID]Treatment
	plans        map[uuid.UUID]PaymentPlan
	installments map[uuid.UUID]Installment
	payments     []Payment
}

func (s memState) clone() memState {
	c := memState{
		treatments:   make(map[uuid.UUID]Treatment, len(s.treatments)),
		plans:        make(map[uuid.UUID]PaymentPlan, len(s.plans)),
		installments: make(map[uuid.UUID]Installment, len(s.installments)),
		payments:     append([]Payment(nil), s.payments...),
	}
	for k, v := range s.treatments {
		c.treatments[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.installments {
		c.installments[k] = v
	}
	return c
}

// memStore is a Store whose transactions are serialised and roll back by
// restoring a snapshot.
type memStore struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	state memState
	now   func() time.Time

	failCreatePayment error
	failCountZero     error
	failListOverdue   error

	// inTx and aborted mimic Postgres: once a statement fails inside a
	// transaction every later statement fails until rollback.
	inTx    bool
	aborted bool
}

var errTxAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

// fail records err as a failed statement. Callers hold m.mu.
func (m *memStore) fail(err error) error {
	if m.inTx {
		m.aborted = true
	}
	return err
}

// check rejects statements in an aborted transaction. Callers hold m.mu.
func (m *memStore) check() error {
	if m.inTx && m.aborted {
		return errTxAborted
	}
	return nil
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		state: memState{
			treatments:   make(map[uuid.UUID]Treatment),
			plans:        make(map[uuid.UUID]PaymentPlan),
			installments: make(map[uuid.UUID]Installment),
		},
		now: now,
	}
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) WithinTx(_ context.Context, fn func(repo Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	m.setTx(true)
	defer m.setTx(false)
	if err := fn(m); err != nil {
		m.mu.Lock()
		m.state = snap
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborted {
		m.state = snap
		return errTxAborted
	}
	return nil
}

func (m *memStore) setTx(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = on
	m.aborted = false
}

func (m *memStore) Savepoint(_ context.Context, fn func(repo Repository) error) error {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := m.state.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.state = snap
		m.aborted = false
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) CreateTreatment(_ context.Context, t *Treatment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TreatmentOpen
	}
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	m.state.treatments[t.ID] = *t
	return nil
}

func (m *memStore) GetTreatment(_ context.Context, id uuid.UUID) (*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	t, ok := m.state.treatments[id]
	if !ok {
		return nil, notFoundErr("treatment")
	}
	return &t, nil
}

func (m *memStore) LockTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return m.GetTreatment(ctx, id)
}

func (m *memStore) UpdateTreatmentLedger(_ context.Context, t *Treatment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	cur, ok := m.state.treatments[t.ID]
	if !ok {
		return notFoundErr("treatment")
	}
	cur.PaidTotal = t.PaidTotal
	cur.Status = t.Status
	cur.RiskScore = t.RiskScore
	cur.CompletedAt = t.CompletedAt
	cur.EndDate = t.EndDate
	cur.UpdatedAt = m.now()
	m.state.treatments[t.ID] = cur
	return nil
}

func (m *memStore) ListTreatments(_ context.Context, ids []uuid.UUID) ([]*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Treatment
	for _, id := range ids {
		if t, ok := m.state.treatments[id]; ok {
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *memStore) CreatePlan(_ context.Context, p *PaymentPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, existing := range m.state.plans {
		if existing.TreatmentID == p.TreatmentID {
			return conflictErr("plan exists for treatment %s", p.TreatmentID)
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = m.now()
	stored := *p
	stored.Installments = nil
	m.state.plans[p.ID] = stored
	return nil
}

func (m *memStore) GetPlanByTreatment(_ context.Context, treatmentID uuid.UUID) (*PaymentPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	for _, p := range m.state.plans {
		if p.TreatmentID == treatmentID {
			return &p, nil
		}
	}
	return nil, notFoundErr("payment plan")
}

// resolve fills in the installment's treatment through its plan.
func (m *memStore) resolve(i Installment) *Installment {
	if p, ok := m.state.plans[i.PlanID]; ok {
		i.TreatmentID = p.TreatmentID
	}
	return &i
}

func (m *memStore) CreateInstallment(_ context.Context, i *Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.state.plans[i.PlanID]; !ok {
		return notFoundErr("payment plan")
	}
	i.ID = uuid.New()
	i.CreatedAt = m.now()
	i.UpdatedAt = i.CreatedAt
	m.state.installments[i.ID] = *i
	return nil
}

func (m *memStore) GetInstallment(_ context.Context, id uuid.UUID) (*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	i, ok := m.state.installments[id]
	if !ok {
		return nil, notFoundErr("installment")
	}
	return m.resolve(i), nil
}

func (m *memStore) UpdateInstallment(_ context.Context, i *Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	cur, ok := m.state.installments[i.ID]
	if !ok {
		return notFoundErr("installment")
	}
	cur.PaidValue = i.PaidValue
	cur.PaymentDate = i.PaymentDate
	cur.Status = i.Status
	cur.WrittenOff = i.WrittenOff
	cur.UpdatedAt = m.now()
	m.state.installments[i.ID] = cur
	return nil
}

func sortInstallments(list []*Installment) {
	sort.Slice(list, func(a, b int) bool {
		if !list[a].DueDate.Equal(list[b].DueDate) {
			return list[a].DueDate.Before(list[b].DueDate)
		}
		return list[a].Number < list[b].Number
	})
}

func (m *memStore) ListInstallmentsByPlan(_ context.Context, planID uuid.UUID) ([]*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []*Installment
	for _, i := range m.state.installments {
		if i.PlanID == planID {
			out = append(out, m.resolve(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (m *memStore) ListInstallments(_ context.Context, f InstallmentFilter) ([]*Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if m.failListOverdue != nil && len(f.Statuses) == 1 && f.Statuses[0] == InstallmentOverdue {
		return nil, m.fail(m.failListOverdue)
	}
	var out []*Installment
	for _, raw := range m.state.installments {
		i := m.resolve(raw)
		if f.TreatmentID != nil && i.TreatmentID != *f.TreatmentID {
			continue
		}
		if f.DueBefore != nil && !i.DueDate.Before(*f.DueBefore) {
			continue
		}
		if len(f.Statuses) > 0 {
			match := false
			for _, s := range f.Statuses {
				if i.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, i)
	}
	sortInstallments(out)
	return out, nil
}

func (m *memStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.failCreatePayment != nil {
		return m.fail(m.failCreatePayment)
	}
	p.ID = uuid.New()
	p.PaidAt = m.now()
	m.state.payments = append(m.state.payments, *p)
	return nil
}

func (m *memStore) SumPayments(_ context.Context, treatmentID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, p := range m.state.payments {
		if p.TreatmentID == treatmentID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m *memStore) CountZeroPayments(_ context.Context, treatmentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	if m.failCountZero != nil {
		return 0, m.fail(m.failCountZero)
	}
	n := 0
	for _, p := range m.state.payments {
		if p.TreatmentID == treatmentID && p.Amount.IsZero() {
			n++
		}
	}
	return n, nil
}

// newestFirst returns matching payments in reverse insertion order.
func (m *memStore) newestFirst(match func(p Payment) bool) []*Payment {
	var out []*Payment
	for i := len(m.state.payments) - 1; i >= 0; i-- {
		p := m.state.payments[i]
		if match(p) {
			out = append(out, &p)
		}
	}
	return out
}

func (m *memStore) ListPaymentsByTreatment(_ context.Context, treatmentID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(p Payment) bool { return p.TreatmentID == treatmentID }), nil
}

func (m *memStore) ListPayments(_ context.Context, f PaymentFilter, limit, offset int) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.newestFirst(func(p Payment) bool {
		if f.TreatmentID != nil && p.TreatmentID != *f.TreatmentID {
			return false
		}
		return f.Method == "" || p.Method == f.Method
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
