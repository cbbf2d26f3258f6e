package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SignerOperation is one KMS sign/address-derivation attempt.
type SignerOperation struct {
	Chain        string
	KeyID        string
	Operation    string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// BreakerTransition is one circuit-breaker state change.
type BreakerTransition struct {
	Chain               string
	PreviousState       string
	NewState            string
	Reason              string
	ConsecutiveFailures int
	CreatedAt           time.Time
}

// RecoveryOutcome is one bridge recovery scan's terminal verdict for a
// bridge ID.
type RecoveryOutcome struct {
	BridgeID  string
	Status    string
	Reason    string
	CreatedAt time.Time
}

// Queries provides the append/list operations over the audit schema.
type Queries struct {
	db *sql.DB
}

// NewQueries wires Queries against an open *sql.DB.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// LogSignerOperation appends a row recording one sign attempt. Implements
// pkg/kms's audit collaborator contract.
func (q *Queries) LogSignerOperation(ctx context.Context, op SignerOperation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO signer_operations (chain, key_id, operation, success, error_message)
		VALUES (?, ?, ?, ?, ?)
	`, op.Chain, op.KeyID, op.Operation, boolToInt(op.Success), op.ErrorMessage)
	if err != nil {
		return fmt.Errorf("audit: log signer operation: %w", err)
	}
	return nil
}

// LogBreakerTransition appends a row recording one circuit-breaker
// transition.
func (q *Queries) LogBreakerTransition(ctx context.Context, t BreakerTransition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO breaker_transitions (chain, previous_state, new_state, reason, consecutive_failures)
		VALUES (?, ?, ?, ?, ?)
	`, t.Chain, t.PreviousState, t.NewState, t.Reason, t.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("audit: log breaker transition: %w", err)
	}
	return nil
}

// LogRecoveryOutcome appends a row recording one bridge recovery verdict.
// Implements internal/bridge.RecoveryAuditLogger.
func (q *Queries) LogRecoveryOutcome(ctx context.Context, bridgeID, status, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO recovery_outcomes (bridge_id, status, reason)
		VALUES (?, ?, ?)
	`, bridgeID, status, reason)
	if err != nil {
		return fmt.Errorf("audit: log recovery outcome: %w", err)
	}
	return nil
}

// RecentSignerOperations returns the most recent signer operations, newest
// first.
func (q *Queries) RecentSignerOperations(ctx context.Context, limit int) ([]SignerOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT chain, key_id, operation, success, COALESCE(error_message, ''), created_at
		FROM signer_operations ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent signer operations: %w", err)
	}
	defer rows.Close()

	var out []SignerOperation
	for rows.Next() {
		var op SignerOperation
		var success int
		if err := rows.Scan(&op.Chain, &op.KeyID, &op.Operation, &success, &op.ErrorMessage, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan signer operation: %w", err)
		}
		op.Success = success != 0
		out = append(out, op)
	}
	return out, rows.Err()
}

// RecentRecoveryOutcomes returns the most recent bridge recovery verdicts
// for bridgeID, newest first.
func (q *Queries) RecentRecoveryOutcomes(ctx context.Context, bridgeID string, limit int) ([]RecoveryOutcome, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT bridge_id, status, COALESCE(reason, ''), created_at
		FROM recovery_outcomes WHERE bridge_id = ? ORDER BY id DESC LIMIT ?
	`, bridgeID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent recovery outcomes: %w", err)
	}
	defer rows.Close()

	var out []RecoveryOutcome
	for rows.Next() {
		var o RecoveryOutcome
		if err := rows.Scan(&o.BridgeID, &o.Status, &o.Reason, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan recovery outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
