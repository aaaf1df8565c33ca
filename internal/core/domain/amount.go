package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	maxAmount = decimal.RequireFromString("340282366920938463463374607431768211455") // 2^128-1
	two       = decimal.NewFromInt(2)
)

// Amount is an unsigned 128-bit quantity of the smallest currency unit.
// The zero value is a valid zero amount.
type Amount struct {
	value decimal.Decimal
}

// NewAmount builds an amount from a uint64.
func NewAmount(v uint64) Amount {
	return Amount{value: decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)}
}

// ParseAmount parses a base-10 integer string in the range [0, 2^128-1].
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: amount is empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	return fromDecimal(d)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %s is not a whole amount", ErrInvalidAmount, d.String())
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}
	if d.Cmp(maxAmount) > 0 {
		return Amount{}, fmt.Errorf("%w: %s overflows 128 bits", ErrInvalidAmount, d.String())
	}
	return Amount{value: d.Truncate(0)}, nil
}

func (a Amount) IsZero() bool     { return a.value.Sign() == 0 }
func (a Amount) IsPositive() bool { return a.value.Sign() > 0 }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.value.Cmp(b.value) }

func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }
func (a Amount) Equal(b Amount) bool    { return a.Cmp(b) == 0 }

// Add panics on 128-bit overflow; callers only add amounts bounded by a price.
// Running totals such as balances use TryAdd.
func (a Amount) Add(b Amount) Amount {
	sum, err := a.TryAdd(b)
	if err != nil {
		panic(err)
	}
	return sum
}

// TryAdd returns a+b, or an ErrInvalidAmount error when the sum overflows
// 128 bits.
func (a Amount) TryAdd(b Amount) (Amount, error) {
	return fromDecimal(a.value.Add(b.value))
}

// Sub returns a-b; b must not exceed a.
func (a Amount) Sub(b Amount) Amount {
	if a.LessThan(b) {
		panic(fmt.Sprintf("amount underflow: %s - %s", a, b))
	}
	return Amount{value: a.value.Sub(b.value)}
}

// Half returns floor(a/2).
func (a Amount) Half() Amount {
	q, _ := a.value.QuoRem(two, 0)
	return Amount{value: q}
}

func (a Amount) String() string { return a.value.String() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both a decimal string and a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as its decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: %d is negative", ErrInvalidAmount, v)
		}
		*a = NewAmount(uint64(v))
		return nil
	case nil:
		*a = Amount{}
		return nil
	default:
		return fmt.Errorf("scan amount: unsupported type %T", src)
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
