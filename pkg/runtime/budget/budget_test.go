package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

func TestCheckCost_WithinBudget(t *testing.T) {
	b := DefaultBudget()
	if err := CheckCost(b, 500_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckCost_Exceeded(t *testing.T) {
	b := DefaultBudget()
	err := CheckCost(b, 2_000_000)
	if err == nil {
		t.Fatal("expected cost exhaustion error")
	}
	bErr := err.(*ComputeBudgetError)
	if bErr.Code != ErrComputeCostExhausted {
		t.Errorf("code = %s, want %s", bErr.Code, ErrComputeCostExhausted)
	}
}

func TestCheckCost_ZeroLimitIsUnbounded(t *testing.T) {
	b := DefaultBudget()
	b.CostLimit = 0
	if err := CheckCost(b, 1<<40); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckTime_WithinBudget(t *testing.T) {
	b := DefaultBudget()
	if err := CheckTime(b, 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckTime_Exceeded(t *testing.T) {
	b := DefaultBudget()
	err := CheckTime(b, 10*time.Second)
	if err == nil {
		t.Fatal("expected time exhaustion error")
	}
	bErr := err.(*ComputeBudgetError)
	if bErr.Code != ErrComputeTimeExhausted {
		t.Errorf("code = %s, want %s", bErr.Code, ErrComputeTimeExhausted)
	}
	ir := bErr.IR()
	if ir.Kind != errorir.KindTimeout || !ir.Retriable {
		t.Errorf("IR = %s retriable=%v, want retriable timeout", ir.Kind, ir.Retriable)
	}
}

func TestCheckMemory_Exceeded(t *testing.T) {
	b := DefaultBudget()
	err := CheckMemory(b, 128*1024*1024)
	if err == nil {
		t.Fatal("expected memory exhaustion error")
	}
	if err.(*ComputeBudgetError).Code != ErrComputeMemoryExhausted {
		t.Errorf("unexpected code: %v", err)
	}
}

func TestCheckDepth(t *testing.T) {
	b := DefaultBudget()
	for depth := 1; depth <= 5; depth++ {
		if err := CheckDepth(b, depth); err != nil {
			t.Fatalf("depth %d: unexpected error: %v", depth, err)
		}
	}
	err := CheckDepth(b, 6)
	if err == nil {
		t.Fatal("expected depth error at 6")
	}
	var bErr *ComputeBudgetError
	if !errors.As(err, &bErr) || bErr.Code != ErrInvokeDepthExceeded {
		t.Fatalf("unexpected error: %v", err)
	}
	if bErr.IR().Retriable {
		t.Error("depth violations are not retriable")
	}
}

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	if b.CostLimit == 0 {
		t.Error("cost limit should not be zero")
	}
	if b.MaxInvokeDepth != 5 {
		t.Errorf("MaxInvokeDepth = %d, want 5", b.MaxInvokeDepth)
	}
	if b.TimeLimit() != 5*time.Second {
		t.Errorf("TimeLimit() = %v, want 5s", b.TimeLimit())
	}
	if b.MemoryPages() != 1024 {
		t.Errorf("MemoryPages() = %d, want 1024", b.MemoryPages())
	}
}
