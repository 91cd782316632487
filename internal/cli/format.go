// Package cli provides formatting and rendering utilities for terminal output.
package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatTokens formats a token count with human-readable suffixes.
// e.g., 1234 -> "1.2K", 1234567 -> "1.2M", 1234567890 -> "1.2B"
func FormatTokens(n uint64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return strconv.FormatUint(n, 10)
	}
}

// FormatCost formats a USD cost. Single calls cost fractions of a cent, so
// six decimals are always shown.
func FormatCost(cost float64) string {
	return fmt.Sprintf("$%.6f", cost)
}

// FormatRate formats a price per unit tokens.
// e.g., (0.0025, 1000) -> "$0.0025/1K"
func FormatRate(price float64, unit int) string {
	return "$" + strconv.FormatFloat(price, 'f', -1, 64) + "/" + FormatTokens(uint64(unit))
}

// FormatNumber adds comma separators to an integer.
// e.g., 1234567 -> "1,234,567"
func FormatNumber(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// FormatDuration formats a wall-clock duration.
// e.g., 1h2m5s -> "1h 2m", 2m5s -> "2m 5s", 4.2s -> "4.2s"
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	hours := int64(d / time.Hour)
	mins := int64((d % time.Hour) / time.Minute)
	secs := int64((d % time.Minute) / time.Second)

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
