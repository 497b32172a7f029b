package model

import (
	"errors"
	"time"
)

// BatchState tracks the nutrient mixer through a single mix cycle.
type BatchState string

const (
	StateIdle            BatchState = "idle"
	StateFillingWater    BatchState = "filling_water"
	StateDosingNutrients BatchState = "dosing_nutrients"
	StateReady           BatchState = "ready"
	StateAborted         BatchState = "aborted"
)

// Freshness qualifies a cached sensor reading.
type Freshness string

const (
	Fresh  Freshness = "fresh"
	Stale  Freshness = "stale"
	NoData Freshness = "no_data"
)

// Fill level sensor names. Tank-low sensors read true when the tank needs
// refilling; mixer_full reads true when the mixer has no headroom left.
const (
	MixerFull       = "mixer_full"
	NutrientTankLow = "nutrient_tank_low"
	WaterTankLow    = "water_tank_low"
)

var (
	ErrAlreadyRunning  = errors.New("batch already running")
	ErrUnsafe          = errors.New("safety interlock rejected actuation")
	ErrHardwareTimeout = errors.New("hardware did not respond within bound")
	ErrConfig          = errors.New("invalid configuration")
	ErrStaleReading    = errors.New("sensor reading is stale")
	ErrUnknownPump     = errors.New("unknown pump")
	ErrUnknownPlant    = errors.New("unknown plant")
)

type GPIOPin struct {
	Number     int  `json:"pin"`
	ActiveHigh bool `json:"active_high"`
}

// PumpSpec describes one relay-switched pump. A zero flow rate marks the
// pump disabled.
type PumpSpec struct {
	ID             string  `json:"id"`
	Pin            GPIOPin `json:"gpio"`
	FlowRateMlPerS float64 `json:"flow_rate"`
}

// RunDuration returns how long the pump must run to move ml milliliters,
// or false if the pump is disabled.
func (p PumpSpec) RunDuration(ml float64) (time.Duration, bool) {
	if p.FlowRateMlPerS <= 0 || ml <= 0 {
		return 0, false
	}
	return time.Duration(ml / p.FlowRateMlPerS * float64(time.Second)), true
}

type Thresholds struct {
	StartWatering float64 `json:"start_watering"`
	StopWatering  float64 `json:"stop_watering"`
}

type Plant struct {
	ID               string     `json:"id"`
	MoistureSensorID string     `json:"moisture_sensor_id"`
	WaterPumpID      string     `json:"water_pump_id"`
	Thresholds       Thresholds `json:"thresholds"`

	// LastMoisturePct is written only by the control loop on each tick.
	LastMoisturePct float64 `json:"last_moisture_pct"`
}

// Batch is one mix-then-distribute cycle. It is owned by the mixer and
// distribution pipeline from creation until delivered or aborted.
type Batch struct {
	ID              int64
	PlantIDs        []string
	NutrientAmounts map[string]float64 // ml per nutrient color
	TotalWaterMl    float64
	MlPerPlant      float64
	CreatedAt       time.Time
}

// DeliveryResult records the outcome of one plant's distribution run.
type DeliveryResult struct {
	PlantID  string
	PumpID   string
	Ml       float64
	Duration time.Duration
	Err      error
}

// SensorCalibration maps a raw ADC value to a 0-100% moisture figure.
type SensorCalibration struct {
	DryValue float64 `json:"dry_value"`
	WetValue float64 `json:"wet_value"`
}

// Percent applies linear interpolation between dry (0%) and wet (100%),
// clamped to [0,100].
func (c SensorCalibration) Percent(raw float64) float64 {
	span := c.DryValue - c.WetValue
	if span == 0 {
		return 0
	}
	pct := (c.DryValue - raw) / span * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
