package sensorhub

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/model"
)

const (
	TopicSoilMoisture = "sensor/soil_moisture"
	TopicDHT          = "sensor/dht"
	TopicFillLevel    = "sensor/fill_level"
	TopicArduinoLogs  = "arduino/logs"
	TopicCommands     = "arduino/commands"

	// The firmware's sensor registry is a fixed-size table.
	firmwareSensorCap = 10
)

// Publisher is the outbound half of the bus the hub needs.
type Publisher interface {
	Publish(topic, payload string) error
}

type moistureReading struct {
	raw float64
	at  time.Time
}

type climateReading struct {
	humidity    float64
	temperature float64
	at          time.Time
}

type fillReading struct {
	state bool
	seen  bool
}

// Hub caches calibrated sensor readings for the control loop. Ingest runs on
// the bus callback goroutine; all reads and writes go through the mutex.
type Hub struct {
	pub Publisher

	mu           sync.RWMutex
	moisture     map[string][]moistureReading // ring buffer, capacity maxReadings
	climate      map[string]climateReading
	fill         map[string]fillReading
	calibrations map[string]model.SensorCalibration
	maxReadings  int
	staleAfter   time.Duration
	registered   int

	now func() time.Time
}

func New(pub Publisher, maxReadings int, staleAfter time.Duration) *Hub {
	if maxReadings <= 0 {
		maxReadings = 10
	}
	return &Hub{
		pub:          pub,
		moisture:     make(map[string][]moistureReading),
		climate:      make(map[string]climateReading),
		fill:         make(map[string]fillReading),
		calibrations: make(map[string]model.SensorCalibration),
		maxReadings:  maxReadings,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// ApplyConfig replaces calibrations wholesale and re-registers the firmware
// sensor table. Called at startup and after every config reload.
func (h *Hub) ApplyConfig(sh config.SensorHub) error {
	if err := h.ClearAll(); err != nil {
		return err
	}

	calibrations := make(map[string]model.SensorCalibration)
	for label, s := range sh.Sensors {
		if s.Calibration != nil {
			calibrations[s.ID] = *s.Calibration
		}
		if err := h.AddSensor(s.Pin, s.Type, s.ID); err != nil {
			log.Error().Err(err).Str("sensor", label).Msg("Failed to register sensor with firmware")
		}
	}

	h.mu.Lock()
	h.calibrations = calibrations
	h.maxReadings = sh.MaxReadings
	h.mu.Unlock()

	// The firmware publishes each sensor once per interval; spreading the
	// ring buffer across the configured window keeps averages current.
	interval := (sh.IntervalMs + sh.MaxReadings - 1) / sh.MaxReadings
	return h.SetInterval(interval)
}

// SetStaleAfter adjusts the freshness horizon when the moisture check
// interval changes at runtime.
func (h *Hub) SetStaleAfter(d time.Duration) {
	h.mu.Lock()
	h.staleAfter = d
	h.mu.Unlock()
}

// StaleAfter reports the active freshness horizon.
func (h *Hub) StaleAfter() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.staleAfter
}

// Ingest parses one bus message and updates the cache. Malformed payloads
// and unknown sensors are logged and dropped; ingest never fails upward.
func (h *Hub) Ingest(topic string, payload []byte) {
	line := strings.TrimSpace(string(payload))

	switch topic {
	case TopicSoilMoisture:
		h.ingestMoisture(line)
	case TopicDHT:
		h.ingestClimate(line)
	case TopicFillLevel:
		h.ingestFillLevel(line)
	case TopicArduinoLogs:
		log.Info().Str("source", "arduino").Msg(line)
	default:
		log.Debug().Str("topic", topic).Msg("Ignoring message on unhandled topic")
	}
}

func (h *Hub) ingestMoisture(line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		log.Warn().Str("payload", line).Msg("Malformed soil_moisture message")
		return
	}
	raw, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		log.Warn().Str("payload", line).Msg("Non-numeric soil_moisture value")
		return
	}
	sensorID := fields[0]

	h.mu.Lock()
	ring := append(h.moisture[sensorID], moistureReading{raw: raw, at: h.now()})
	if len(ring) > h.maxReadings {
		ring = ring[len(ring)-h.maxReadings:]
	}
	h.moisture[sensorID] = ring
	cal, calibrated := h.calibrations[sensorID]
	h.mu.Unlock()

	if calibrated {
		pct := cal.Percent(raw)
		datadog.Gauge("sensor.moisture_percent", pct, "sensor:"+sensorID)
		h.republish(TopicSoilMoisture, sensorID, fmt.Sprintf(`{"sensor_id":%q,"raw":%g,"percent":%.2f}`, sensorID, raw, pct))
	}
}

func (h *Hub) ingestClimate(line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		log.Warn().Str("payload", line).Msg("Malformed dht message")
		return
	}
	humidity, err1 := strconv.ParseFloat(fields[1], 64)
	temperature, err2 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil {
		log.Warn().Str("payload", line).Msg("Non-numeric dht values")
		return
	}
	sensorID := fields[0]

	h.mu.Lock()
	h.climate[sensorID] = climateReading{humidity: humidity, temperature: temperature, at: h.now()}
	h.mu.Unlock()

	datadog.Gauge("sensor.humidity", humidity, "sensor:"+sensorID)
	datadog.Gauge("sensor.temperature", temperature, "sensor:"+sensorID)
	h.republish(TopicDHT, sensorID, fmt.Sprintf(`{"sensor_id":%q,"humidity":%.2f,"temperature":%.2f}`, sensorID, humidity, temperature))
}

func (h *Hub) ingestFillLevel(line string) {
	fields := strings.Fields(line)
	if len(fields) != 2 || (fields[1] != "0" && fields[1] != "1") {
		log.Warn().Str("payload", line).Msg("Malformed fill_level message")
		return
	}
	name := fields[0]
	switch name {
	case model.MixerFull, model.NutrientTankLow, model.WaterTankLow:
	default:
		log.Warn().Str("name", name).Msg("Unknown fill level sensor")
		return
	}

	h.mu.Lock()
	h.fill[name] = fillReading{state: fields[1] == "1", seen: true}
	h.mu.Unlock()
}

func (h *Hub) republish(topic, sensorID, body string) {
	if h.pub == nil {
		return
	}
	processed := "processed/" + topic + "/" + sensorID
	if err := h.pub.Publish(processed, body); err != nil {
		log.Warn().Err(err).Str("topic", processed).Msg("Failed to republish processed reading")
	}
}

// LatestMoisture returns the calibrated moisture percentage for a sensor,
// averaged over the ring buffer, plus its freshness. Uncalibrated sensors
// report NoData: a raw ADC value has no safe interpretation.
func (h *Hub) LatestMoisture(sensorID string) (float64, model.Freshness) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.moisture[sensorID]
	cal, calibrated := h.calibrations[sensorID]
	if len(ring) == 0 || !calibrated {
		return 0, model.NoData
	}

	var sum float64
	for _, r := range ring {
		sum += r.raw
	}
	pct := cal.Percent(sum / float64(len(ring)))

	if h.now().Sub(ring[len(ring)-1].at) > h.staleAfter {
		return pct, model.Stale
	}
	return pct, model.Fresh
}

// Climate returns the last humidity/temperature pair for a dht sensor.
func (h *Hub) Climate(sensorID string) (humidity, temperature float64, fresh model.Freshness) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.climate[sensorID]
	if !ok {
		return 0, 0, model.NoData
	}
	if h.now().Sub(r.at) > h.staleAfter {
		return r.humidity, r.temperature, model.Stale
	}
	return r.humidity, r.temperature, model.Fresh
}

// FillLevel returns the last known digital state for a fill level sensor.
// Before the first reading arrives it reports the conservative value: tanks
// low and mixer full, so nothing actuates on an unobserved system.
func (h *Hub) FillLevel(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.fill[name]
	if !ok || !r.seen {
		return true
	}
	return r.state
}

// ----- firmware command surface -----

func (h *Hub) RequestData() error {
	return h.sendCommand("GET_DATA")
}

func (h *Hub) SetInterval(ms int) error {
	if ms <= 0 {
		log.Error().Int("ms", ms).Msg("Rejecting SET_INTERVAL with non-positive interval")
		return fmt.Errorf("%w: interval must be positive, got %d", model.ErrConfig, ms)
	}
	return h.sendCommand(fmt.Sprintf("SET_INTERVAL %d", ms))
}

func (h *Hub) AddSensor(pin int, sensorType, id string) error {
	if pin < 0 || sensorType == "" || id == "" || strings.ContainsAny(sensorType+id, " \n") {
		log.Error().Int("pin", pin).Str("type", sensorType).Str("id", id).Msg("Rejecting malformed ADD_SENSOR")
		return fmt.Errorf("%w: malformed sensor registration", model.ErrConfig)
	}

	h.mu.Lock()
	if h.registered >= firmwareSensorCap {
		h.mu.Unlock()
		log.Error().Int("cap", firmwareSensorCap).Msg("Firmware sensor registry full")
		return fmt.Errorf("%w: firmware sensor registry full (cap %d)", model.ErrConfig, firmwareSensorCap)
	}
	h.registered++
	h.mu.Unlock()

	return h.sendCommand(fmt.Sprintf("ADD_SENSOR %d %s %s", pin, sensorType, id))
}

func (h *Hub) RemoveSensor(pin int) error {
	h.mu.Lock()
	if h.registered > 0 {
		h.registered--
	}
	h.mu.Unlock()
	return h.sendCommand(fmt.Sprintf("REMOVE_SENSOR %d", pin))
}

func (h *Hub) ClearAll() error {
	h.mu.Lock()
	h.registered = 0
	h.mu.Unlock()
	return h.sendCommand("CLEAR_ALL")
}

// SendRaw forwards an operator-supplied command line unmodified. Exposed
// through the API for maintenance.
func (h *Hub) SendRaw(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("%w: empty command", model.ErrConfig)
	}
	return h.sendCommand(line)
}

func (h *Hub) sendCommand(cmd string) error {
	if h.pub == nil {
		return fmt.Errorf("bus not connected")
	}
	log.Debug().Str("command", cmd).Msg("Sending firmware command")
	return h.pub.Publish(TopicCommands, cmd)
}
