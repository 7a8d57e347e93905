package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/db"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// SQLInvocationLedger implements InvocationLedger over the tool_invocations table.
type SQLInvocationLedger struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewSQLInvocationLedger creates a ledger on the handle.
func NewSQLInvocationLedger(h *db.Handle) *SQLInvocationLedger {
	return &SQLInvocationLedger{db: h.DB, dialect: h.Dialect, now: time.Now}
}

// BeginInvocation inserts a pending row if none exists and returns the stored row.
func (l *SQLInvocationLedger) BeginInvocation(ctx context.Context, inv ports.ToolInvocation) (ports.ToolInvocation, error) {
	args := string(inv.Args)
	if args == "" {
		args = "{}"
	}
	now := l.now().UnixNano()

	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(`
		INSERT INTO tool_invocations (id, conversation_id, name, args, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), inv.ID, inv.ConversationID, inv.Name, args, string(ports.StatusPending), now, now)
	if err != nil {
		return ports.ToolInvocation{}, fmt.Errorf("failed to record invocation: %w", err)
	}

	return l.GetInvocation(ctx, inv.ID)
}

// ResolveInvocation stores the terminal outcome of an invocation.
func (l *SQLInvocationLedger) ResolveInvocation(ctx context.Context, inv ports.ToolInvocation) error {
	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(`
		UPDATE tool_invocations
		SET status = ?, result = ?, error = ?, error_kind = ?, updated_at = ?
		WHERE id = ?
	`), string(inv.Status), string(inv.Result), inv.Error, inv.ErrorKind, l.now().UnixNano(), inv.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve invocation %s: %w", inv.ID, err)
	}
	return nil
}

// GetInvocation loads one invocation by ID.
func (l *SQLInvocationLedger) GetInvocation(ctx context.Context, invocationID string) (ports.ToolInvocation, error) {
	var (
		inv                  ports.ToolInvocation
		args, status, result string
	)
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(`
		SELECT id, conversation_id, name, args, status, result, error, error_kind
		FROM tool_invocations WHERE id = ?
	`), invocationID).Scan(&inv.ID, &inv.ConversationID, &inv.Name, &args, &status, &result, &inv.Error, &inv.ErrorKind)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ToolInvocation{}, fmt.Errorf("invocation %s: %w", invocationID, ports.ErrNotFound)
	}
	if err != nil {
		return ports.ToolInvocation{}, fmt.Errorf("failed to load invocation: %w", err)
	}
	inv.Args = []byte(args)
	inv.Status = ports.InvocationStatus(status)
	if result != "" {
		inv.Result = []byte(result)
	}
	return inv, nil
}

// Ensure SQLInvocationLedger implements the InvocationLedger interface.
var _ ports.InvocationLedger = (*SQLInvocationLedger)(nil)
