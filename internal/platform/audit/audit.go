package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/easycore/easycore/internal/platform/middleware"
)

// Action kinds written to the audit log.
const (
	ActionPaymentCreated    = "PAYMENT_CREATED"
	ActionTreatmentUpdated  = "TREATMENT_UPDATED"
	ActionInstallmentsSwept = "INSTALLMENTS_SWEPT"
)

// Entry is a single audit record: who did what, with a free-form detail blob.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	UserID    string         `json:"user_id"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"recorded_at"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, entry Entry) error

func (f RecorderFunc) Record(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGRecorder writes entries to the audit_log table.
type PGRecorder struct {
	conn execer
}

// NewPGRecorder creates a recorder backed by a pool or any pgx connection.
func NewPGRecorder(conn execer) *PGRecorder {
	return &PGRecorder{conn: conn}
}

func (r *PGRecorder) Record(ctx context.Context, entry Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}
	var requestID *string
	if entry.RequestID != "" {
		requestID = &entry.RequestID
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO audit_log (id, user_id, action, details, request_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.Action, details, requestID, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", entry.Action, err)
	}
	return nil
}

// LogRecorder writes entries to a zerolog logger only.
func LogRecorder(logger zerolog.Logger) Recorder {
	return RecorderFunc(func(_ context.Context, entry Entry) error {
		logger.Info().
			Str("type", "audit").
			Str("user_id", entry.UserID).
			Str("action", entry.Action).
			Str("request_id", entry.RequestID).
			Interface("details", entry.Details).
			Msg("audit entry")
		return nil
	})
}

// Emit fills in the entry's id, timestamp and request id, then records it.
// Failures are logged and never returned: audit writes must not undo the
// operation being audited.
func Emit(ctx context.Context, logger zerolog.Logger, rec Recorder, entry Entry) {
	if rec == nil {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.RequestIDFromContext(ctx)
	}
	if err := rec.Record(ctx, entry); err != nil {
		logger.Error().Err(err).
			Str("action", entry.Action).
			Str("user_id", entry.UserID).
			Str("request_id", entry.RequestID).
			Msg("failed to record audit entry")
	}
}
