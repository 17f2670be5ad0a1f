package nurture

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatDelay renders an hour count the way creators see it: 1 -> "1h",
// 24 -> "1d", 25 -> "1d 1h", 168 -> "7d".
func FormatDelay(hours int) string {
	if hours <= 0 {
		return "0h"
	}
	days, rest := hours/24, hours%24
	switch {
	case days == 0:
		return fmt.Sprintf("%dh", rest)
	case rest == 0:
		return fmt.Sprintf("%dd", days)
	default:
		return fmt.Sprintf("%dd %dh", days, rest)
	}
}

// ParseDelay is the inverse of FormatDelay. It accepts "Nd", "Nh" and
// "Nd Nh" with any amount of whitespace between parts.
func ParseDelay(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, fmt.Errorf("invalid delay %q", s)
	}

	total := 0
	seenDays, seenHours := false, false
	for _, f := range fields {
		if len(f) < 2 {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		unit := f[len(f)-1]
		n, err := strconv.Atoi(f[:len(f)-1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		switch unit {
		case 'd':
			if seenDays || seenHours {
				return 0, fmt.Errorf("invalid delay %q", s)
			}
			seenDays = true
			total += n * 24
		case 'h':
			if seenHours {
				return 0, fmt.Errorf("invalid delay %q", s)
			}
			seenHours = true
			total += n
		default:
			return 0, fmt.Errorf("invalid delay %q", s)
		}
	}
	return total, nil
}
