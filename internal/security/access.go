package security

import (
	"context"
	"fmt"
	"sync"
)

// OperationType represents the type of operation.
type OperationType string

const (
	// Read operations
	OpRead OperationType = "READ"

	// Write operations (blocked in read-only mode)
	OpValidateTrade   OperationType = "VALIDATE_TRADE"
	OpResolveHITL     OperationType = "RESOLVE_HITL"
	OpHaltTrading     OperationType = "HALT_TRADING"
	OpResumeTrading   OperationType = "RESUME_TRADING"
	OpUpdatePortfolio OperationType = "UPDATE_PORTFOLIO"
	OpOpenPosition    OperationType = "OPEN_POSITION"
	OpClosePosition   OperationType = "CLOSE_POSITION"
	OpMarkPrice       OperationType = "MARK_PRICE"
	OpReducePositions OperationType = "REDUCE_POSITIONS"
)

// ReadOnlyError represents an error when attempting a write operation in read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// AccessController manages read-only mode and operation permissions.
// A read-only engine still serves status, reports and metrics.
type AccessController struct {
	readOnly    bool
	auditLogger *AuditLogger
	mu          sync.RWMutex
}

// NewAccessController creates a new access controller.
func NewAccessController(readOnly bool, auditLogger *AuditLogger) *AccessController {
	return &AccessController{
		readOnly:    readOnly,
		auditLogger: auditLogger,
	}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly sets the read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// CheckPermission checks if an operation is allowed.
func (ac *AccessController) CheckPermission(ctx context.Context, op OperationType) error {
	ac.mu.RLock()
	readOnly := ac.readOnly
	ac.mu.RUnlock()

	if !readOnly || !isWriteOperation(op) {
		return nil
	}

	_ = ac.auditLogger.LogAccessDenied(ctx, string(op))
	return &ReadOnlyError{Operation: op}
}

// isWriteOperation returns true if the operation modifies state.
func isWriteOperation(op OperationType) bool {
	for _, w := range WriteOperations() {
		if op == w {
			return true
		}
	}
	return false
}

// WriteOperations returns a list of all write operations.
func WriteOperations() []OperationType {
	return []OperationType{
		OpValidateTrade,
		OpResolveHITL,
		OpHaltTrading,
		OpResumeTrading,
		OpUpdatePortfolio,
		OpOpenPosition,
		OpClosePosition,
		OpMarkPrice,
		OpReducePositions,
	}
}

// OperationDescription returns a human-readable description of an operation.
func OperationDescription(op OperationType) string {
	switch op {
	case OpRead:
		return "Read data"
	case OpValidateTrade:
		return "Validate trade proposal"
	case OpResolveHITL:
		return "Approve or reject a review request"
	case OpHaltTrading:
		return "Halt trading"
	case OpResumeTrading:
		return "Resume trading"
	case OpUpdatePortfolio:
		return "Update portfolio ledger"
	case OpOpenPosition:
		return "Open position"
	case OpClosePosition:
		return "Close position"
	case OpMarkPrice:
		return "Mark asset price"
	case OpReducePositions:
		return "Reduce open positions"
	default:
		return string(op)
	}
}
