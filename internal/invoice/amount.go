package invoice

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a monetary value in hundredths of the currency unit (cents).
type Amount int64

// MaxUnits is the largest magnitude, in currency units, an Amount holds
// without losing cents to float64 precision.
const MaxUnits = 1e13

// currencyDecimals lists currencies whose minor unit is not 1/100.
var currencyDecimals = map[string]int{
	"JPY": 0,
	"KRW": 0,
}

// Decimals returns the number of fractional digits used by a currency.
func Decimals(currency string) int {
	if d, ok := currencyDecimals[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// ParseAmount parses a printed amount such as "1,250.00", "$ 42.5" or "(12.00)".
// Parenthesized and leading-minus values are negative.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.TrimLeft(s, "$€£¥₹ ")
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > MaxUnits {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	if negative {
		f = -f
	}
	return FromFloat(f), nil
}

// FromFloat converts a value in currency units to an Amount, rounding half away from zero.
func FromFloat(f float64) Amount {
	return Amount(math.Round(f * 100))
}

// Float returns the amount in currency units.
func (a Amount) Float() float64 {
	return float64(a) / 100
}

// String formats the amount with two decimals.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// RoundTo rounds the amount to the precision of the given currency.
func (a Amount) RoundTo(currency string) Amount {
	step := math.Pow10(2 - Decimals(currency))
	if step <= 1 {
		return a
	}
	return Amount(math.Round(float64(a)/step) * step)
}

// Multiply returns quantity × a rounded to the currency precision.
func (a Amount) Multiply(quantity float64, currency string) Amount {
	return Amount(math.Round(float64(a) * quantity)).RoundTo(currency)
}

// Within reports whether |a - b| <= tolerance.
func Within(a, b, tolerance Amount) bool {
	return (a - b).Abs() <= tolerance
}
