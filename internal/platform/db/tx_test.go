package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx    *fakeTx
	err   error
	begun int
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.begun++
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil tx for wrong type in context")
	}
}

func TestRunInTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	var sawTx bool
	err := RunInTx(context.Background(), b, func(ctx context.Context, tx pgx.Tx) error {
		sawTx = TxFromContext(ctx) == tx
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawTx {
		t.Error("expected tx to be stored in callback context")
	}
	if !b.tx.committed {
		t.Error("expected commit")
	}
	if b.tx.rolledBack {
		t.Error("did not expect rollback after commit")
	}
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	err := RunInTx(context.Background(), b, func(context.Context, pgx.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed {
		t.Error("did not expect commit")
	}
	if !b.tx.rolledBack {
		t.Error("expected rollback")
	}
}

func TestRunInTx_CommitError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	err := RunInTx(context.Background(), b, func(context.Context, pgx.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected commit error")
	}
	if !b.tx.rolledBack {
		t.Error("expected rollback after failed commit")
	}
}

func TestRunInTx_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("pool closed")}
	called := false
	err := RunInTx(context.Background(), b, func(context.Context, pgx.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
	if called {
		t.Error("callback must not run when begin fails")
	}
}

func TestRunInTx_JoinsOuterTx(t *testing.T) {
	outer := &fakeTx{}
	b := &fakeBeginner{tx: &fakeTx{}}
	ctx := ContextWithTx(context.Background(), outer)

	err := RunInTx(ctx, b, func(_ context.Context, tx pgx.Tx) error {
		if tx != outer {
			t.Error("expected the outer tx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.begun != 0 {
		t.Errorf("expected no new transaction, got %d", b.begun)
	}
	if outer.committed {
		t.Error("inner call must not commit the outer tx")
	}
}

func TestRunInTx_NoConnection(t *testing.T) {
	err := RunInTx(context.Background(), nil, func(context.Context, pgx.Tx) error { return nil })
	if err == nil || err.Error() != "no database connection" {
		t.Errorf("unexpected error: %v", err)
	}
}
