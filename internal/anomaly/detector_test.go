package anomaly

import (
	"testing"

	"github.com/septivank/greenhouse-controller/internal/db"
)

const (
	testSpikeThreshold            = 3.0
	testMinDataPointsForDetection = 3
)

func TestDetectAnomaly_NegativeValue(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(db.MetricSoilMoisture, -4, []float64{30, 31, 29})
	if !isAnomaly {
		t.Error("Expected anomaly for negative soil moisture")
	}
	if reason != "negative value" {
		t.Errorf("Expected reason 'negative value', got '%s'", reason)
	}
}

func TestDetectAnomaly_NegativeTemperatureIsNormal(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(db.MetricTemperature, -3.5, []float64{-2, -1, 0.5})
	if isAnomaly {
		t.Errorf("Expected no anomaly for frost temperature, got '%s'", reason)
	}
}

func TestDetectAnomaly_SuddenSpike(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	historical := []float64{400, 420, 390, 410, 405}
	isAnomaly, reason := detector.DetectAnomaly(db.MetricLight, 1500, historical)
	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}
	if reason == "" {
		t.Error("Expected reason for spike anomaly")
	}
}

func TestDetectAnomaly_NormalValue(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(db.MetricHumidity, 66, []float64{60, 62, 65, 61})
	if isAnomaly {
		t.Errorf("Expected no anomaly, got '%s'", reason)
	}
}

func TestDetectAnomaly_InsufficientHistory(t *testing.T) {
	detector := NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(db.MetricAirQuality, 900, []float64{50, 60})
	if isAnomaly {
		t.Error("Expected no spike detection with too few data points")
	}

	isAnomaly, _ = detector.DetectAnomaly(db.MetricAirQuality, 900, nil)
	if isAnomaly {
		t.Error("Expected no spike detection without history")
	}
}
