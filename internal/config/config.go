package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/growlab/grow-controller/internal/model"
)

type SensorSpec struct {
	ID          string                   `json:"id"`
	Type        string                   `json:"type"` // soil_moisture, dht, fill_level
	Pin         int                      `json:"pin"`
	Calibration *model.SensorCalibration `json:"calibration,omitempty"`
}

type SensorHub struct {
	SubscribedTopics []string              `json:"subscribed_topics"`
	Sensors          map[string]SensorSpec `json:"sensors"`
	IntervalMs       int                   `json:"interval_ms"`
	MaxReadings      int                   `json:"max_readings"`
}

type WaterNutrient struct {
	NutrientPumps       map[string]model.PumpSpec `json:"nutrient_pumps"`
	WaterPump           model.PumpSpec            `json:"water_pump"`
	DistributionPumps   map[string]model.PumpSpec `json:"distribution_pumps"`
	NutrientAmounts     map[string]float64        `json:"nutrient_amounts"`
	TotalWaterMl        float64                   `json:"total_water_ml"`
	MlPerPlant          float64                   `json:"ml_per_plant"`
	ReadyTimeoutSeconds int                       `json:"ready_timeout_seconds"`
}

type EventAction struct {
	Type       string  `json:"type"` // force_water, set_threshold, set_interval
	PlantID    string  `json:"plant_id,omitempty"`
	SensorID   string  `json:"sensor_id,omitempty"`
	Start      float64 `json:"start_watering,omitempty"`
	Stop       float64 `json:"stop_watering,omitempty"`
	IntervalMs int     `json:"interval_ms,omitempty"`
}

type ScheduledEvent struct {
	ID     string      `json:"id"`
	Cron   string      `json:"cron,omitempty"` // standard 5-field cron spec
	At     string      `json:"at,omitempty"`   // RFC3339 one-shot timestamp
	Action EventAction `json:"action"`
}

type Events struct {
	MoistureCheckIntervalSeconds int              `json:"moisture_check_interval_seconds"`
	ScheduledEvents              []ScheduledEvent `json:"scheduled_events"`
}

type PlantSpec struct {
	MoistureSensorID string           `json:"moisture_sensor_id"`
	WaterPumpID      string           `json:"water_pump_id"`
	Thresholds       model.Thresholds `json:"thresholds"`
}

type MQTT struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id"`
}

type Config struct {
	ConfigFile string
	DBFile     string
	LogLevel   zerolog.Level
	LogFile    string
	SafeMode   bool

	MQTT          MQTT                 `json:"mqtt"`
	WaterNutrient WaterNutrient        `json:"water_nutrient"`
	Event         Events               `json:"event"`
	SensorHub     SensorHub            `json:"sensor_hub"`
	Plants        map[string]PlantSpec `json:"plants"`
	AbortMode     bool                 `json:"abort_mode"`

	APIPort     int      `json:"api_port"`
	DDAgentAddr string   `json:"dd_agent_addr"`
	DDNamespace string   `json:"dd_namespace"`
	DDTags      []string `json:"dd_tags"`
}

// Load parses flags and the JSON config file. Startup configuration errors
// are fatal; main has nothing sensible to fall back to.
func Load() *Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBFile, "db-file", "data/growctl.db", "Path to sqlite journal")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", "/var/log/grow-controller.log", "Path to log file")
	flag.BoolVar(&cfg.SafeMode, "safe-mode", false, "Disable all GPIO writes")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	if err := readInto(cfg.ConfigFile, &cfg); err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		panic("Invalid config: " + err.Error())
	}
	return &cfg
}

func readInto(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.SensorHub.MaxReadings == 0 {
		cfg.SensorHub.MaxReadings = 10
	}
	if cfg.SensorHub.IntervalMs == 0 {
		cfg.SensorHub.IntervalMs = 5000
	}
	if cfg.Event.MoistureCheckIntervalSeconds == 0 {
		cfg.Event.MoistureCheckIntervalSeconds = 30
	}
	if cfg.WaterNutrient.ReadyTimeoutSeconds == 0 {
		cfg.WaterNutrient.ReadyTimeoutSeconds = 600
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "grow-controller"
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 5000
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "growctl."
	}
}

// Validate checks the loaded document for contradictions. It returns rather
// than panics so reloads can reject bad files and keep the previous config.
func (cfg *Config) Validate() error {
	var problems []string

	usedPins := map[int]string{}
	checkPin := func(name string, pin model.GPIOPin) {
		if other, exists := usedPins[pin.Number]; exists {
			problems = append(problems, fmt.Sprintf("%s and %s both use pin %d", name, other, pin.Number))
			return
		}
		usedPins[pin.Number] = name
	}

	for color, p := range cfg.WaterNutrient.NutrientPumps {
		if p.FlowRateMlPerS < 0 {
			problems = append(problems, fmt.Sprintf("nutrient pump %s has negative flow rate", color))
		}
		if p.Pin.Number >= 0 {
			checkPin("nutrient_pumps."+color, p.Pin)
		}
	}
	if cfg.WaterNutrient.WaterPump.FlowRateMlPerS < 0 {
		problems = append(problems, "water pump has negative flow rate")
	}
	checkPin("water_pump", cfg.WaterNutrient.WaterPump.Pin)
	for id, p := range cfg.WaterNutrient.DistributionPumps {
		if p.FlowRateMlPerS < 0 {
			problems = append(problems, fmt.Sprintf("distribution pump %s has negative flow rate", id))
		}
		checkPin("distribution_pumps."+id, p.Pin)
	}

	if cfg.WaterNutrient.TotalWaterMl <= 0 {
		problems = append(problems, "total_water_ml must be positive")
	}
	if cfg.WaterNutrient.MlPerPlant <= 0 {
		problems = append(problems, "ml_per_plant must be positive")
	}

	for id, plant := range cfg.Plants {
		th := plant.Thresholds
		if th.StartWatering >= th.StopWatering {
			problems = append(problems, fmt.Sprintf("plant %s: start_watering (%.1f) must be below stop_watering (%.1f)", id, th.StartWatering, th.StopWatering))
		}
		if _, ok := cfg.WaterNutrient.DistributionPumps[plant.WaterPumpID]; !ok {
			problems = append(problems, fmt.Sprintf("plant %s references unknown pump %s", id, plant.WaterPumpID))
		}
		if !cfg.hasSensor(plant.MoistureSensorID) {
			problems = append(problems, fmt.Sprintf("plant %s references unknown sensor %s", id, plant.MoistureSensorID))
		}
	}

	for label, s := range cfg.SensorHub.Sensors {
		if s.Calibration != nil && s.Calibration.DryValue == s.Calibration.WetValue {
			problems = append(problems, fmt.Sprintf("sensor %s: dry_value equals wet_value", label))
		}
	}
	if cfg.SensorHub.IntervalMs <= 0 {
		problems = append(problems, "sensor_hub.interval_ms must be positive")
	}
	if cfg.Event.MoistureCheckIntervalSeconds <= 0 {
		problems = append(problems, "event.moisture_check_interval_seconds must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (cfg *Config) hasSensor(sensorID string) bool {
	for _, s := range cfg.SensorHub.Sensors {
		if s.ID == sensorID {
			return true
		}
	}
	return false
}

// HydratePlants builds runtime plant records from the plants section.
func (cfg *Config) HydratePlants() map[string]*model.Plant {
	plants := make(map[string]*model.Plant, len(cfg.Plants))
	for id, p := range cfg.Plants {
		plants[id] = &model.Plant{
			ID:               id,
			MoistureSensorID: p.MoistureSensorID,
			WaterPumpID:      p.WaterPumpID,
			Thresholds:       p.Thresholds,
		}
	}
	return plants
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Manager owns the active configuration and swaps it atomically on reload.
// An in-flight batch is never interrupted by a reload; consumers re-read the
// active config at their next safe checkpoint.
type Manager struct {
	mu     sync.RWMutex
	active *Config
}

func NewManager(cfg *Config) *Manager {
	return &Manager{active: cfg}
}

func (m *Manager) Active() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Reload re-reads the config file. On any error the previous configuration
// stays active and the error is returned for the operator surface.
func (m *Manager) Reload() error {
	prev := m.Active()

	next := Config{
		ConfigFile: prev.ConfigFile,
		DBFile:     prev.DBFile,
		LogLevel:   prev.LogLevel,
		LogFile:    prev.LogFile,
		SafeMode:   prev.SafeMode,
	}
	if err := readInto(prev.ConfigFile, &next); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	applyDefaults(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}

	m.mu.Lock()
	m.active = &next
	m.mu.Unlock()
	return nil
}
