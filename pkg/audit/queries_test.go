package audit

import (
	"context"
	"testing"
)

func setupTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return NewQueries(database.DB)
}

func TestLogAndListSignerOperations(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	if err := q.LogSignerOperation(ctx, SignerOperation{Chain: "ethereum", KeyID: "key-1", Operation: "sign", Success: true}); err != nil {
		t.Fatalf("log signer operation: %v", err)
	}
	if err := q.LogSignerOperation(ctx, SignerOperation{Chain: "ethereum", KeyID: "key-1", Operation: "sign", Success: false, ErrorMessage: "ERR_KMS_TIMEOUT"}); err != nil {
		t.Fatalf("log signer operation: %v", err)
	}

	ops, err := q.RecentSignerOperations(ctx, 10)
	if err != nil {
		t.Fatalf("recent signer operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(ops))
	}
	if ops[0].Success {
		t.Errorf("expected newest-first order, got success=%v first", ops[0].Success)
	}
	if ops[0].ErrorMessage != "ERR_KMS_TIMEOUT" {
		t.Errorf("expected error message preserved, got %q", ops[0].ErrorMessage)
	}
}

func TestLogBreakerTransition(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	err := q.LogBreakerTransition(ctx, BreakerTransition{
		Chain: "arbitrum", PreviousState: "CLOSED", NewState: "OPEN",
		Reason: "5 consecutive failures", ConsecutiveFailures: 5,
	})
	if err != nil {
		t.Fatalf("log breaker transition: %v", err)
	}
}

func TestLogAndFilterRecoveryOutcomes(t *testing.T) {
	q := setupTestDB(t)
	ctx := context.Background()

	if err := q.LogRecoveryOutcome(ctx, "bridge-1", "recovered", ""); err != nil {
		t.Fatalf("log recovery outcome: %v", err)
	}
	if err := q.LogRecoveryOutcome(ctx, "bridge-2", "failed", "router unavailable"); err != nil {
		t.Fatalf("log recovery outcome: %v", err)
	}

	outcomes, err := q.RecentRecoveryOutcomes(ctx, "bridge-1", 10)
	if err != nil {
		t.Fatalf("recent recovery outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != "recovered" {
		t.Fatalf("expected one recovered outcome for bridge-1, got %+v", outcomes)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second migration should be a no-op, got: %v", err)
	}
}
