// Package budget provides the compute budget applied to artifact execution.
package budget

import (
	"fmt"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Deterministic error codes for compute budget violations.
const (
	ErrComputeCostExhausted   = "ERR_COMPUTE_COST_EXHAUSTED"
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrInvokeDepthExceeded    = "ERR_INVOKE_DEPTH_EXCEEDED"
)

// ComputeBudget defines the limits for one invocation chain.
type ComputeBudget struct {
	// TimeLimitMs is the wall-clock deadline shared by the whole chain.
	TimeLimitMs int64 `json:"time_limit_ms" yaml:"time_limit_ms"`
	// MaxInvokeDepth bounds nested invoke() calls. The top-level call is depth 1.
	MaxInvokeDepth int `json:"max_invoke_depth" yaml:"max_invoke_depth"`
	// CostLimit bounds evaluation steps of a single expression.
	CostLimit uint64 `json:"cost_limit" yaml:"cost_limit"`
	// MemoryLimitBytes bounds WASM linear memory.
	MemoryLimitBytes int64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`
}

// DefaultBudget returns the default compute budget.
func DefaultBudget() ComputeBudget {
	return ComputeBudget{
		TimeLimitMs:      5000,
		MaxInvokeDepth:   5,
		CostLimit:        1_000_000,
		MemoryLimitBytes: 64 * 1024 * 1024, // 64MB
	}
}

// TimeLimit returns the time limit as a Duration.
func (b ComputeBudget) TimeLimit() time.Duration {
	return time.Duration(b.TimeLimitMs) * time.Millisecond
}

// MemoryPages converts the memory limit to 64KiB WASM pages.
func (b ComputeBudget) MemoryPages() uint32 {
	pages := b.MemoryLimitBytes / 65536
	if pages < 1 {
		return 1
	}
	if pages > 65536 {
		return 65536
	}
	return uint32(pages)
}

// ComputeBudgetError is a typed budget violation error.
type ComputeBudgetError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
}

func (e *ComputeBudgetError) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// IR converts the violation to the kernel error taxonomy. Time exhaustion is
// a retriable timeout; everything else needs a different action.
func (e *ComputeBudgetError) IR() *errorir.Error {
	var ir *errorir.Error
	switch e.Code {
	case ErrComputeTimeExhausted:
		ir = errorir.Timeout("%s", e.Message)
	case ErrInvokeDepthExceeded:
		ir = errorir.InvalidArgument("%s", e.Message)
	default:
		ir = errorir.Runtime("%s", e.Message)
	}
	return ir.With("budget_code", e.Code).With("limit", e.Limit).With("consumed", e.Consumed).Wrap(e)
}

// CheckCost returns a budget error if the evaluation cost is exhausted.
func CheckCost(budget ComputeBudget, consumed uint64) error {
	if budget.CostLimit > 0 && consumed > budget.CostLimit {
		return &ComputeBudgetError{
			Code:     ErrComputeCostExhausted,
			Message:  "evaluation cost limit exceeded",
			Limit:    int64(budget.CostLimit),
			Consumed: int64(consumed),
		}
	}
	return nil
}

// CheckTime returns a budget error if time is exhausted.
func CheckTime(budget ComputeBudget, elapsed time.Duration) error {
	if elapsed.Milliseconds() > budget.TimeLimitMs {
		return &ComputeBudgetError{
			Code:     ErrComputeTimeExhausted,
			Message:  "time limit exceeded",
			Limit:    budget.TimeLimitMs,
			Consumed: elapsed.Milliseconds(),
		}
	}
	return nil
}

// CheckMemory returns a budget error if memory is exhausted.
func CheckMemory(budget ComputeBudget, usedBytes int64) error {
	if usedBytes > budget.MemoryLimitBytes {
		return &ComputeBudgetError{
			Code:     ErrComputeMemoryExhausted,
			Message:  "memory limit exceeded",
			Limit:    budget.MemoryLimitBytes,
			Consumed: usedBytes,
		}
	}
	return nil
}

// CheckDepth returns a budget error if an invocation at depth would exceed
// the recursion bound.
func CheckDepth(budget ComputeBudget, depth int) error {
	if depth > budget.MaxInvokeDepth {
		return &ComputeBudgetError{
			Code:     ErrInvokeDepthExceeded,
			Message:  fmt.Sprintf("max invoke depth %d exceeded", budget.MaxInvokeDepth),
			Limit:    int64(budget.MaxInvokeDepth),
			Consumed: int64(depth),
		}
	}
	return nil
}

// TimeoutError builds the violation reported when a deadline fires.
func TimeoutError(budget ComputeBudget, elapsed time.Duration) *ComputeBudgetError {
	return &ComputeBudgetError{
		Code:     ErrComputeTimeExhausted,
		Message:  fmt.Sprintf("execution exceeded %dms", budget.TimeLimitMs),
		Limit:    budget.TimeLimitMs,
		Consumed: elapsed.Milliseconds(),
	}
}
