package expnum

// Bounds is an inclusive range. Lower must not exceed Upper.
type Bounds struct {
	Lower Value
	Upper Value
}

// Clamp returns Lower or Upper when v falls outside the range, otherwise v
// unchanged.
func (b Bounds) Clamp(v Value) Value {
	switch f := v.Float(); {
	case f < b.Lower.Float():
		return b.Lower
	case f > b.Upper.Float():
		return b.Upper
	}
	return v
}

// Contains reports whether v lies within the range.
func (b Bounds) Contains(v Value) bool {
	f := v.Float()
	return f >= b.Lower.Float() && f <= b.Upper.Float()
}
