// Package weight converts scale readings into quintals.
//
// Operators key weights in an overloaded decimal form: the integer part
// divided by 100 is whole quintals, and the remainder is kilograms. So
// 528.5 means 5 quintals 28.5 kg, which is 5.285 quintals. A kilogram
// remainder of 100 or more is accepted as-is; only negative readings are
// rejected.
package weight

import (
	"errors"
	"math"
)

var ErrInvalidWeight = errors.New("invalid weight")

// Parse decodes an overloaded scale reading into quintals, rounded to
// three decimals (one decimal of kilograms).
func Parse(raw float64) (float64, error) {
	if raw < 0 {
		return 0, ErrInvalidWeight
	}
	quintals := math.Floor(raw / 100)
	kilograms := raw - quintals*100
	return math.Round((quintals+kilograms/100)*1000) / 1000, nil
}
