package utils

// Truncate shortens s to at most maxLen runes, replacing the tail with
// "..." when anything was cut. Limits of three runes or fewer leave no
// room for the marker, so the string is cut hard instead.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
