package anomaly

import (
	"fmt"

	"github.com/septivank/greenhouse-controller/internal/db"
)

// nonNegative lists metrics that cannot physically go below zero.
// Temperature is the only one that can.
var nonNegative = map[db.MetricType]bool{
	db.MetricHumidity:     true,
	db.MetricSoilMoisture: true,
	db.MetricAirQuality:   true,
	db.MetricLight:        true,
}

// Detector flags suspicious sensor values. Its verdict is advisory: flagged
// values are still stored and still feed the control loop.
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectAnomaly checks value against the metric's physical range and the
// rolling average of recent valid values for the same metric
func (d *Detector) DetectAnomaly(metric db.MetricType, value float64, historicalValues []float64) (bool, string) {
	if value < 0 && nonNegative[metric] {
		return true, "negative value"
	}

	if len(historicalValues) < d.minDataPointsForDetection || len(historicalValues) == 0 {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalValues {
		sum += v
	}
	average := sum / float64(len(historicalValues))

	// Detect sudden spike (>threshold x rolling average)
	if average > 0 && value > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx rolling average %.2f",
			value, d.spikeThreshold, average)
	}

	return false, ""
}
