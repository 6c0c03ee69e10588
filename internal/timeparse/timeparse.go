// internal/timeparse/timeparse.go
// -------------------------------
// Helpers for parsing the time-shaped values rate-limit headers carry:
// retry-after values in seconds or HTTP-date form, millisecond retry hints,
// epoch reset timestamps, and compact duration strings like "6m0s".
//
// Every function degrades gracefully: a malformed value reports ok=false
// and never panics, so header-parsing failures can fall back to defaults.
package timeparse

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryAfter parses a Retry-After header value: either a non-negative
// integer number of seconds or an HTTP-date.
func RetryAfter(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(s); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Millis parses a millisecond count, as carried by x-ms-retry-after-ms.
func Millis(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// UnixSeconds parses an epoch-seconds timestamp, as carried by reset
// headers.
func UnixSeconds(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Int parses a non-negative integer header value such as a remaining or
// limit count.
func Int(s string) (int, bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Compact parses compact duration strings like "1s" or "6m0s" that some
// throttle hints use.
func Compact(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if strings.HasSuffix(s, "s") && !strings.Contains(s, "m") {
		val := strings.TrimSuffix(s, "s")
		if sec, err := strconv.Atoi(val); err == nil && sec >= 0 {
			return time.Duration(sec) * time.Second, true
		}
		return 0, false
	}

	var minutes, seconds int
	n, err := fmt.Sscanf(s, "%dm%ds", &minutes, &seconds)
	if n == 2 && err == nil && minutes >= 0 && seconds >= 0 {
		return time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second, true
	}

	return 0, false
}
