package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"spreadguard/internal/types"
)

// TimeWindow 交易窗口，两端均包含在内；Start 晚于 End 时视为跨午夜。
type TimeWindow struct {
	Start string `json:"start" toml:"start"`
	End   string `json:"end" toml:"end"`
}

func (w TimeWindow) String() string { return w.Start + "-" + w.End }

// ParseClock parses "HH:MM" or "HH:MM:SS" into seconds since midnight.
func ParseClock(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, &types.InvalidInput{Field: "time", Value: raw, Reason: "expected HH:MM or HH:MM:SS"}
	}
	limits := []int{23, 59, 59}
	total := 0
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > limits[i] || len(part) > 2 {
			return 0, &types.InvalidInput{Field: "time", Value: raw, Reason: "expected HH:MM or HH:MM:SS"}
		}
		switch i {
		case 0:
			total += n * 3600
		case 1:
			total += n * 60
		default:
			total += n
		}
	}
	return total, nil
}

// ClockOf returns the "HH:MM" wall-clock of t in its own location.
func ClockOf(t time.Time) string {
	return t.Format("15:04")
}

// ValidateTimeWindow fails unless currentTime (HH:MM) falls inside at least
// one window, inclusive of the start and end minute.
func ValidateTimeWindow(currentTime string, windows []TimeWindow) error {
	cur, err := ParseClock(currentTime)
	if err != nil {
		return err
	}
	// 仅按分钟比较，忽略秒。
	cur -= cur % 60
	labels := make([]string, 0, len(windows))
	for _, w := range windows {
		start, err := ParseClock(w.Start)
		if err != nil {
			return fmt.Errorf("window start: %w", err)
		}
		end, err := ParseClock(w.End)
		if err != nil {
			return fmt.Errorf("window end: %w", err)
		}
		labels = append(labels, w.String())
		if start <= end {
			if cur >= start && cur <= end {
				return nil
			}
			continue
		}
		if cur >= start || cur <= end {
			return nil
		}
	}
	return &types.TimeWindowViolation{Current: currentTime, Windows: labels}
}

// ShouldExitByTime reports whether now is at or past the cutoff clock.
func ShouldExitByTime(now time.Time, cutoff string) (bool, error) {
	limit, err := ParseClock(cutoff)
	if err != nil {
		return false, err
	}
	secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return secs >= limit, nil
}

// ShouldExitByDelta reports whether |delta| has reached threshold.
func ShouldExitByDelta(delta, threshold float64) bool {
	if !finite(delta, threshold) {
		return false
	}
	return dec(math.Abs(delta)).GreaterThanOrEqual(dec(threshold))
}
