package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// MetricValue is one metric of an incoming reading; Value is nil when the
// device did not report it
type MetricValue struct {
	Metric db.MetricType
	Value  *float64
}

// Validator checks incoming readings with configurable parameters
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

// ValidateReading rejects a reading that carries no metric at all, or one
// whose values are not finite numbers
func (v *Validator) ValidateReading(values []MetricValue) error {
	present := 0
	for _, mv := range values {
		if mv.Value == nil {
			continue
		}
		if math.IsNaN(*mv.Value) || math.IsInf(*mv.Value, 0) {
			return apperrors.NewValidationError(fmt.Sprintf("%s must be a finite number", mv.Metric), nil)
		}
		present++
	}
	if present == 0 {
		return apperrors.NewValidationError("at least one metric is required", nil)
	}
	return nil
}

// ValidateTimestamp parses a device-reported timestamp and checks it lies
// within the tolerance window around receivedAt. An empty timestamp is
// valid and yields receivedAt. Every other failure still yields receivedAt
// so the reading can be stored.
func (v *Validator) ValidateTimestamp(raw string, receivedAt time.Time) (time.Time, ValidationResult) {
	result := ValidationResult{IsValid: true}
	if raw == "" {
		return receivedAt, result
	}

	readingTime, err := timeparser.ParseDeviceTimestamp(raw)
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid timestamp format: %v", err)
		return receivedAt, result
	}

	if !timeparser.IsWithinTolerance(readingTime, receivedAt, v.timestampToleranceMinutes) {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
		return receivedAt, result
	}

	return readingTime, result
}
