package db

import (
	"time"

	"github.com/google/uuid"
)

// MetricType names one of the environmental metrics a rule can watch
type MetricType string

const (
	MetricTemperature  MetricType = "temperature"
	MetricHumidity     MetricType = "humidity"
	MetricSoilMoisture MetricType = "soilMoisture"
	MetricAirQuality   MetricType = "airQuality"
	MetricLight        MetricType = "light"
)

// MetricTypes lists every metric in snapshot column order
var MetricTypes = []MetricType{
	MetricTemperature,
	MetricHumidity,
	MetricSoilMoisture,
	MetricAirQuality,
	MetricLight,
}

// Valid reports whether m is a known metric
func (m MetricType) Valid() bool {
	for _, known := range MetricTypes {
		if m == known {
			return true
		}
	}
	return false
}

// Device types seeded at first boot. Other values are accepted.
const (
	DeviceTypePump  = "pump"
	DeviceTypeFan   = "fan"
	DeviceTypeLight = "light"
)

// Snapshot is one immutable set of environmental readings
type Snapshot struct {
	ID           uuid.UUID `json:"id"`
	Temperature  *float64  `json:"temperature"`
	Humidity     *float64  `json:"humidity"`
	SoilMoisture *float64  `json:"soilMoisture"`
	AirQuality   *float64  `json:"airQuality"`
	LightLevel   *float64  `json:"lightLevel"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Metric returns the snapshot value for m, nil when absent
func (s *Snapshot) Metric(m MetricType) *float64 {
	switch m {
	case MetricTemperature:
		return s.Temperature
	case MetricHumidity:
		return s.Humidity
	case MetricSoilMoisture:
		return s.SoilMoisture
	case MetricAirQuality:
		return s.AirQuality
	case MetricLight:
		return s.LightLevel
	default:
		return nil
	}
}

// Device is a controllable boolean actuator
type Device struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Pin       *int      `json:"pin"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Rule binds a metric threshold to an actuator
type Rule struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	MetricType    MetricType `json:"metricType"`
	ThresholdLow  *float64   `json:"thresholdLow"`
	ThresholdHigh *float64   `json:"thresholdHigh"`
	ActuatorID    uuid.UUID  `json:"actuatorId"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Plant is an advisory plant profile
type Plant struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	IdealTempMin         *float64  `json:"idealTempMin"`
	IdealTempMax         *float64  `json:"idealTempMax"`
	IdealHumidityMin     *float64  `json:"idealHumidityMin"`
	IdealHumidityMax     *float64  `json:"idealHumidityMax"`
	IdealSoilMoistureMin *float64  `json:"idealSoilMoistureMin"`
	IdealSoilMoistureMax *float64  `json:"idealSoilMoistureMax"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Validation statuses for raw readings
const (
	StatusValid   = "valid"
	StatusSuspect = "suspect"
)

// RawReading is one metric value in the append-only readings log
type RawReading struct {
	ID               uuid.UUID
	SnapshotID       uuid.UUID
	MetricName       MetricType
	MetricValue      float64
	ReadingTimestamp time.Time
	ReceivedAt       time.Time
	ValidationStatus string
	AnomalyReason    *string
}

// DefaultDevices are provisioned when the devices table is empty
func DefaultDevices() []Device {
	pin := func(p int) *int { return &p }
	return []Device{
		{Name: "Water Pump", Type: DeviceTypePump, Pin: pin(5)},
		{Name: "Ventilation Fan", Type: DeviceTypeFan, Pin: pin(4)},
		{Name: "Grow Light", Type: DeviceTypeLight, Pin: pin(14)},
	}
}
