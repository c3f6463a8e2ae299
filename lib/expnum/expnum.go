// Package expnum implements engineering-notation numbers: a significand
// paired with a decimal exponent restricted to multiples of three between
// pico and kilo.
package expnum

import (
	"errors"
	"fmt"
	"math"
)

// Exponent limits of the supported decades.
const (
	MinExp = -12
	MaxExp = 3
)

// ErrUnsupportedExponent is returned when a Value carries an exponent that
// has no engineering prefix.
var ErrUnsupportedExponent = errors.New("unsupported exponent")

var prefixes = map[int]string{
	-12: "p",
	-9:  "n",
	-6:  "μ",
	-3:  "m",
	0:   "",
	3:   "k",
}

// Value is a number written as Sig * 10^Exp.
type Value struct {
	Sig float64
	Exp int
}

// New returns the value sig * 10^exp. The exponent is not validated.
func New(sig float64, exp int) Value { return Value{Sig: sig, Exp: exp} }

// Float returns the plain floating point value.
func (v Value) Float() float64 {
	return v.Sig * math.Pow10(v.Exp)
}

// FromFloat converts x to engineering notation. The exponent is chosen so
// the significand has one to three digits before the decimal point, then the
// significand is rounded to three decimals. Magnitudes outside the supported
// decades keep the nearest supported exponent.
func FromFloat(x float64) Value {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return Value{}
	}
	exp := 3 * int(math.Floor(math.Log10(math.Abs(x))/3))
	exp = clampExp(exp)
	v := Value{Sig: round3(x / math.Pow10(exp)), Exp: exp}
	return v.normalize()
}

// normalize moves the decimal point by whole decades until the magnitude of
// the significand is in [1, 1000), saturating at the supported range.
func (v Value) normalize() Value {
	for math.Abs(v.Sig) >= 1000 && v.Exp < MaxExp {
		v.Sig = round3(v.Sig / 1000)
		v.Exp += 3
	}
	for v.Sig != 0 && math.Abs(v.Sig) < 1 && v.Exp > MinExp {
		v.Sig = round3(v.Sig * 1000)
		v.Exp -= 3
	}
	return v
}

// Prefix returns the engineering prefix for the exponent, "" for units.
func (v Value) Prefix() (string, error) {
	p, ok := prefixes[v.Exp]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedExponent, v.Exp)
	}
	return p, nil
}

// Increment adds 10^decade to the significand. A significand reaching 1000
// rolls into the next decade.
func (v Value) Increment(decade int) Value {
	return v.add(math.Pow10(decade))
}

// Decrement subtracts 10^decade from the significand. A significand falling
// below 1 borrows from the previous decade.
func (v Value) Decrement(decade int) Value {
	return v.add(-math.Pow10(decade))
}

func (v Value) add(step float64) Value {
	v.Sig = round3(v.Sig + step)
	switch abs := math.Abs(v.Sig); {
	case abs >= 1000:
		if v.Exp < MaxExp {
			v.Sig = round3(v.Sig / 1000)
			v.Exp += 3
		}
	case abs > 0 && abs < 1:
		if v.Exp > MinExp {
			v.Sig = round3(v.Sig * 1000)
			v.Exp -= 3
		}
	}
	return v
}

// ScaleUp moves the value one decade up, keeping the significand.
func (v Value) ScaleUp() Value {
	if v.Exp < MaxExp {
		v.Exp += 3
	}
	return v
}

// ScaleDown moves the value one decade down, keeping the significand.
func (v Value) ScaleDown() Value {
	if v.Exp > MinExp {
		v.Exp -= 3
	}
	return v
}

// Negate flips the sign of the significand.
func (v Value) Negate() Value {
	v.Sig = -v.Sig
	return v
}

// Format renders the value as a signed, zero padded significand followed by
// the prefixed unit, e.g. "+200.000 mV".
func (v Value) Format(unit string) string {
	p, err := v.Prefix()
	if err != nil {
		p = fmt.Sprintf("e%d ", v.Exp)
	}
	sign := '+'
	if v.Sig < 0 {
		sign = '-'
	}
	return fmt.Sprintf("%c%07.3f %s%s", sign, math.Abs(v.Sig), p, unit)
}

func (v Value) String() string {
	return fmt.Sprintf("%ge%d", v.Sig, v.Exp)
}

func clampExp(exp int) int {
	return max(MinExp, min(MaxExp, exp))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
