// Package format provides human-readable formatting helpers shared by
// alert messages, backup summaries, and audit output handling.
package format

import (
	"fmt"
	"time"
)

// Bytes formats a byte count into human-readable form.
func Bytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(b)/float64(div), units[exp])
}

// Pct formats a 0-100 percentage.
func Pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v)
}

// Duration formats a duration into human-readable form.
func Duration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// Age formats the time since t as "Xm", "Xh" or "Xd". A zero time formats
// as "never".
func Age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	if age < time.Hour {
		return fmt.Sprintf("%dm", int(age.Minutes()))
	}
	if age < 24*time.Hour {
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
	return fmt.Sprintf("%dd", int(age.Hours()/24))
}

// truncationMarker is appended to command output cut at the audit limit.
const truncationMarker = "... [truncated]"

// Truncate caps s at max bytes, appending a marker when output was cut.
// The marker does not count against max, matching how audit rows store
// oversized command output.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
