package models

import "fmt"

// HalalaPerMajor is the number of minor units (halala) in one major currency unit.
const HalalaPerMajor = 100

// FormatMajor renders a halala amount as a major-unit decimal string using integer
// division only, e.g. 9375 -> "93.75" and -5 -> "-0.05".
func FormatMajor(halala int64) string {
	sign := ""
	if halala < 0 {
		sign = "-"
		halala = -halala
	}
	return fmt.Sprintf("%s%d.%02d", sign, halala/HalalaPerMajor, halala%HalalaPerMajor)
}
