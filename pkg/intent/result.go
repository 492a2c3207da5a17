package intent

import (
	"encoding/json"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

// Result is the uniform outcome of every action. A failed action always
// carries an error code and a human-readable message.
type Result struct {
	Success           bool
	Message           string
	Data              map[string]any
	ResourcesConsumed map[string]float64
	ChargedTo         string
	ErrorCode         string
	ErrorCategory     string
	Retriable         bool
	ErrorDetails      map[string]any
}

// OK builds a successful result.
func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Fail converts any error to a failed result.
func Fail(err error) Result {
	ir := errorir.From(err)
	return Result{
		Message:       ir.Message,
		ErrorCode:     ir.Code(),
		ErrorCategory: ir.Category,
		Retriable:     ir.Retriable,
		ErrorDetails:  ir.Details,
	}
}

// Charged records who paid for the resources an action consumed.
func (r Result) Charged(principal string, consumed map[string]float64) Result {
	r.ChargedTo = principal
	r.ResourcesConsumed = consumed
	return r
}

// wireResult is the JSON form; absent values are explicit nulls.
type wireResult struct {
	Success           bool               `json:"success"`
	Message           string             `json:"message"`
	Data              map[string]any     `json:"data"`
	ResourcesConsumed map[string]float64 `json:"resources_consumed"`
	ChargedTo         *string            `json:"charged_to"`
	ErrorCode         *string            `json:"error_code"`
	ErrorCategory     *string            `json:"error_category"`
	Retriable         bool               `json:"retriable"`
	ErrorDetails      map[string]any     `json:"error_details"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireResult{
		Success:           r.Success,
		Message:           r.Message,
		Data:              r.Data,
		ResourcesConsumed: r.ResourcesConsumed,
		ChargedTo:         optional(r.ChargedTo),
		ErrorCode:         optional(r.ErrorCode),
		ErrorCategory:     optional(r.ErrorCategory),
		Retriable:         r.Retriable,
		ErrorDetails:      r.ErrorDetails,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(b []byte) error {
	var w wireResult
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Result{
		Success:           w.Success,
		Message:           w.Message,
		Data:              w.Data,
		ResourcesConsumed: w.ResourcesConsumed,
		ChargedTo:         deref(w.ChargedTo),
		ErrorCode:         deref(w.ErrorCode),
		ErrorCategory:     deref(w.ErrorCategory),
		Retriable:         w.Retriable,
		ErrorDetails:      w.ErrorDetails,
	}
	return nil
}
