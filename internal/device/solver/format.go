package solver

import (
	"fmt"
	"math"
)

// FormatRA renders right ascension hours as HH:MM:SS.ss.
func FormatRA(hours float64) string {
	hours = math.Mod(hours, 24)
	if hours < 0 {
		hours += 24
	}
	h, m, s := sexagesimal(hours)
	return fmt.Sprintf("%02d:%02d:%05.2f", h, m, s)
}

// FormatDec renders declination degrees as ±DD:MM:SS.ss.
func FormatDec(deg float64) string {
	sign := "+"
	if deg < 0 {
		sign = "-"
		deg = -deg
	}
	d, m, s := sexagesimal(deg)
	return fmt.Sprintf("%s%02d:%02d:%05.2f", sign, d, m, s)
}

func sexagesimal(v float64) (int, int, float64) {
	// Round to the printed precision first so 59.999 does not print as 60.00.
	total := math.Round(v*360000) / 100
	whole := int(total / 3600)
	rest := total - float64(whole*3600)
	minutes := int(rest / 60)
	return whole, minutes, rest - float64(minutes*60)
}
