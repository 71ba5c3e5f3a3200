package models

import "math"

// Money is held as exact pence internally. Decimal pounds appear only at
// the JSON boundary, converted here with explicit rounding.

// PenceFromPounds converts a decimal pound amount to pence, rounding to
// the nearest penny.
func PenceFromPounds(pounds float64) int64 {
	return int64(math.Round(pounds * 100))
}

// PoundsFromPence converts pence back to decimal pounds for rendering
func PoundsFromPence(pence int64) float64 {
	return float64(pence) / 100
}
