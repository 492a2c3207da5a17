package executor

import (
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// ResourceCPUSeconds is the renewable resource fed to the rate tracker after
// each run.
const ResourceCPUSeconds = "cpu_seconds"

// InvokeRequest starts an invocation chain.
type InvokeRequest struct {
	Caller     string `json:"caller"`
	ArtifactID string `json:"artifact_id"`
	Method     string `json:"method,omitempty"`
	Args       []any  `json:"args,omitempty"`
}

// Result is the outcome of an Execute* or Invoke call.
type Result struct {
	Success           bool               `json:"success"`
	Result            any                `json:"result"`
	Error             string             `json:"error,omitempty"`
	ErrorKind         errorir.Kind       `json:"error_kind,omitempty"`
	ExecutionTimeMs   float64            `json:"execution_time_ms"`
	ResourcesConsumed map[string]float64 `json:"resources_consumed,omitempty"`
	PricePaid         int64              `json:"price_paid"`
	ChargedTo         string             `json:"charged_to,omitempty"`

	// Err is the typed failure, nil on success.
	Err *errorir.Error `json:"-"`
}

func failed(err error, elapsed time.Duration) Result {
	ir := errorir.From(err)
	return Result{
		Success:         false,
		Error:           ir.Message,
		ErrorKind:       ir.Kind,
		ExecutionTimeMs: ms(elapsed),
		Err:             ir,
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// envelope is what invoke() returns to calling code.
func envelope(value any, price int64, err error) map[string]any {
	if err != nil {
		ir := errorir.From(err)
		return map[string]any{
			"success":    false,
			"result":     nil,
			"error":      ir.Message,
			"error_code": ir.Code(),
			"price_paid": int64(0),
		}
	}
	return map[string]any{
		"success":    true,
		"result":     value,
		"error":      nil,
		"price_paid": price,
	}
}
