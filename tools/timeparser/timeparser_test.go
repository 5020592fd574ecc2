package timeparser

import (
	"testing"
	"time"
)

func TestParseDeviceTimestamp(t *testing.T) {
	expected := time.Date(2026, 3, 14, 10, 30, 45, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
	}{
		{"rfc3339", "2026-03-14T10:30:45Z"},
		{"rfc3339 with offset", "2026-03-14T12:30:45+02:00"},
		{"iso without zone", "2026-03-14T10:30:45"},
		{"sql style", "2026-03-14 10:30:45"},
		{"day first", "14/03/2026 10:30:45"},
		{"epoch seconds", "1773484245"},
		{"epoch millis", "1773484245000"},
		{"padded", "  2026-03-14T10:30:45Z "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDeviceTimestamp(tt.raw)
			if err != nil {
				t.Fatalf("Failed to parse timestamp: %v", err)
			}
			if !result.Equal(expected) {
				t.Errorf("Expected %v, got %v", expected, result)
			}
			if result.Location() != time.UTC {
				t.Errorf("Expected UTC, got %v", result.Location())
			}
		})
	}
}

func TestParseDeviceTimestamp_Invalid(t *testing.T) {
	for _, raw := range []string{"", "invalid-date-string", "2026-13-45"} {
		if _, err := ParseDeviceTimestamp(raw); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestIsWithinTolerance_WithinRange(t *testing.T) {
	readingTime := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2026, 3, 14, 10, 33, 0, 0, time.UTC) // 3 minutes later

	if !IsWithinTolerance(readingTime, receivedTime, 5) {
		t.Error("Expected timestamp to be within tolerance")
	}
	if !IsWithinTolerance(receivedTime, readingTime, 5) {
		t.Error("Expected tolerance to be symmetric")
	}
}

func TestIsWithinTolerance_OutsideRange(t *testing.T) {
	readingTime := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	receivedTime := time.Date(2026, 3, 14, 10, 36, 0, 0, time.UTC) // 6 minutes later

	if IsWithinTolerance(readingTime, receivedTime, 5) {
		t.Error("Expected timestamp to be outside tolerance")
	}
}
