package tgui

import (
	"fmt"
	"strings"
	"time"
)

const (
	barFull  = "▰"
	barEmpty = "▱"
)

// Bar renders done/total as a fixed-width bar followed by a whole percent,
// e.g. "▰▰▰▱▱▱▱▱▱▱ 30%". A zero total renders as complete.
func Bar(done, total, width int) string {
	if width <= 0 {
		width = 10
	}
	pct := Percent(done, total)
	filled := width * pct / 100
	return strings.Repeat(barFull, filled) + strings.Repeat(barEmpty, width-filled) + fmt.Sprintf(" %d%%", pct)
}

// Percent returns floor(100*done/total) clamped to [0,100].
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	switch {
	case done <= 0:
		return 0
	case done >= total:
		return 100
	}
	return done * 100 / total
}

// FormatDuration renders d for humans: "45s", "3m 20s", "2h 5m".
func FormatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
}
