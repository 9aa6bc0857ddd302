// Package secret masks credential strings before they reach logs.
package secret

import "strings"

// Mask returns a masked representation of a secret string.
// - length <= 5: fully masked
// - length <= 20: first and last characters visible
// - length > 20: first 3 and last 1 characters visible
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
