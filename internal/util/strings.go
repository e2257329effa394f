// Package util holds small helpers shared across packages.
package util

// SafeTruncate returns at most maxLen bytes of s without panicking on short
// input. Used when logging upstream error strings, which may carry whole
// provider response bodies.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
