package finance

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Scale is the number of decimal places carried by an Amount.
const Scale = 6

// One is the Amount representing a single whole unit.
const One Amount = 1_000_000

// ErrOverflow is returned when an arithmetic result does not fit in an Amount.
var ErrOverflow = errors.New("finance: amount overflow")

// Amount is an exact fixed-point quantity stored in micro-units.
// It is used for resource balances (llm_budget, disk, cpu_seconds) where
// fractional quantities are meaningful. Scrip is always integral and uses int64.
type Amount int64

// Units converts a whole number of units to an Amount.
func Units(n int64) Amount {
	return Amount(n) * One
}

// FromFloat converts a float at a system boundary (config, measured CPU time).
// The value is rounded to the nearest micro-unit.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * float64(One)))
}

// ParseAmount parses a decimal string such as "12", "0.5" or "-3.000001".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("finance: empty amount")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("finance: invalid amount %q", s)
	}
	if len(frac) > Scale {
		return 0, fmt.Errorf("finance: amount %q has more than %d decimal places", s, Scale)
	}
	frac += strings.Repeat("0", Scale-len(frac))
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("finance: invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("finance: invalid amount %q: %w", s, err)
	}
	if w > (math.MaxInt64-f)/int64(One) {
		return 0, ErrOverflow
	}
	v := w*int64(One) + f
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a-b, failing on overflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	return a.Add(-b)
}

// Mul multiplies two fixed-point amounts, truncating toward zero.
func (a Amount) Mul(b Amount) (Amount, error) {
	p := new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	p.Quo(p, big.NewInt(int64(One)))
	if !p.IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(p.Int64()), nil
}

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool { return a == 0 }

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// IsNegative returns true if the amount is < 0.
func (a Amount) IsNegative() bool { return a < 0 }

// Float64 returns the amount as a float for display and wire encoding.
func (a Amount) Float64() float64 {
	return float64(a) / float64(One)
}

// String renders the amount without trailing zeros, e.g. "12.5".
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		if v == math.MinInt64 {
			return "-9223372036854.775808"
		}
		v = -v
	}
	whole := v / int64(One)
	frac := v % int64(One)
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fs)
}

// MarshalJSON encodes the amount as a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML lets config files write amounts as plain numbers.
func (a *Amount) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
