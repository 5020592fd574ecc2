package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// layouts accepted for device-reported timestamps, tried in order
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
}

// ParseDeviceTimestamp parses a timestamp sent by a sensing device. Besides
// the layouts above it accepts unix epoch seconds or milliseconds. Values
// without a zone are taken as UTC. The result is always UTC.
func ParseDeviceTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// 1e11 seconds is year 5138; anything larger is milliseconds
		if epoch > 1e11 || epoch < -1e11 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", raw, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
