package mixer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/gpio"
	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/safety"
)

// pollStep is the actuation check cadence: abort and level sensors are
// re-read at this granularity while a pump runs.
const pollStep = 100 * time.Millisecond

// FaultReporter publishes hardware fault events for the operator surface.
type FaultReporter interface {
	ReportFault(component, reason string)
}

// Mixer drives the mixing stage: water fill followed by sequential nutrient
// dosing. It is the process-wide exclusive owner of the mixing hardware; at
// most one batch is ever in flight.
type Mixer struct {
	cfg    *config.Manager
	guard  *safety.Interlock
	faults FaultReporter

	mu      sync.Mutex
	state   model.BatchState
	batch   *model.Batch
	readyAt time.Time

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time
}

func New(cfg *config.Manager, guard *safety.Interlock, faults FaultReporter) *Mixer {
	return &Mixer{
		cfg:    cfg,
		guard:  guard,
		faults: faults,
		state:  model.StateIdle,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

func (m *Mixer) State() model.BatchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartBatch claims the mixer for a batch. Fails with ErrAlreadyRunning
// unless Idle and with ErrUnsafe when the interlock rejects mixing.
func (m *Mixer) StartBatch(batch *model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != model.StateIdle {
		return fmt.Errorf("%w: mixer is %s", model.ErrAlreadyRunning, m.state)
	}
	if err := m.guard.CanStartBatch(); err != nil {
		return err
	}

	m.state = model.StateFillingWater
	m.batch = batch
	log.Info().
		Int64("batch", batch.ID).
		Strs("plants", batch.PlantIDs).
		Float64("water_ml", batch.TotalWaterMl).
		Msg("Starting batch")
	datadog.Count("mixer.batch_started", 1)
	return nil
}

// Run executes the claimed batch to Ready. It blocks the control goroutine
// with bounded waits only; any safety trip or context cancellation mid-run
// deactivates the pumps and leaves the mixer Aborted.
func (m *Mixer) Run(ctx context.Context) error {
	if st := m.State(); st != model.StateFillingWater {
		return fmt.Errorf("%w: run called in state %s", model.ErrAlreadyRunning, st)
	}
	wn := m.cfg.Active().WaterNutrient

	if err := m.fillWater(ctx, wn); err != nil {
		m.abort("fill_water", err)
		return err
	}
	m.setState(model.StateDosingNutrients)

	if err := m.doseNutrients(ctx, wn); err != nil {
		m.abort("dose_nutrients", err)
		return err
	}

	m.mu.Lock()
	m.state = model.StateReady
	m.readyAt = m.now()
	batch := m.batch
	m.mu.Unlock()

	log.Info().Int64("batch", batch.ID).Msg("Batch ready for distribution")
	return nil
}

func (m *Mixer) fillWater(ctx context.Context, wn config.WaterNutrient) error {
	duration, ok := wn.WaterPump.RunDuration(m.batch.TotalWaterMl)
	if !ok {
		return fmt.Errorf("%w: water pump disabled", model.ErrConfig)
	}

	log.Info().
		Dur("duration", duration).
		Float64("ml", m.batch.TotalWaterMl).
		Msg("Filling mixer with water")

	// The fill stops early when the mixer level switch trips.
	return m.runPump(ctx, wn.WaterPump, duration, m.guard.MixerFull)
}

func (m *Mixer) doseNutrients(ctx context.Context, wn config.WaterNutrient) error {
	// Colors dose one at a time; concurrent dosing cross-contaminates the
	// supply lines. Sorted order keeps runs reproducible.
	colors := make([]string, 0, len(m.batch.NutrientAmounts))
	for color := range m.batch.NutrientAmounts {
		colors = append(colors, color)
	}
	sort.Strings(colors)

	for _, color := range colors {
		amount := m.batch.NutrientAmounts[color]
		if amount <= 0 {
			continue
		}
		pump, ok := wn.NutrientPumps[color]
		if !ok {
			log.Warn().Str("color", color).Msg("No pump configured for nutrient color")
			continue
		}
		duration, enabled := pump.RunDuration(amount)
		if !enabled {
			log.Warn().Str("color", color).Msg("Nutrient pump disabled, skipping dose")
			continue
		}

		log.Info().
			Str("color", color).
			Float64("ml", amount).
			Dur("duration", duration).
			Msg("Dosing nutrient")
		if err := m.runPump(ctx, pump, duration, nil); err != nil {
			return fmt.Errorf("dosing %s: %w", color, err)
		}
	}
	return nil
}

// runPump actuates one pump for duration, re-checking the interlock every
// pollStep. An overrun past 1.5x the expected duration is a hardware fault.
func (m *Mixer) runPump(ctx context.Context, pump model.PumpSpec, duration time.Duration, earlyExit func() bool) error {
	gpio.Activate(pump.Pin)
	defer gpio.Deactivate(pump.Pin)

	start := m.now()
	watchdog := duration + duration/2

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: shutdown requested during actuation", model.ErrUnsafe)
		}
		if m.guard.Aborted() {
			return fmt.Errorf("%w: abort mode set during actuation", model.ErrUnsafe)
		}
		if m.guard.TankFault() {
			return fmt.Errorf("%w: supply tank low during actuation", model.ErrUnsafe)
		}
		if earlyExit != nil && earlyExit() {
			return nil
		}

		elapsed := m.now().Sub(start)
		if elapsed > watchdog {
			// A wait that overshot this far means the clock or the scheduler
			// stalled mid-actuation; the pump ran unsupervised.
			return fmt.Errorf("%w: pump %s overran %s", model.ErrHardwareTimeout, pump.ID, watchdog)
		}
		if elapsed >= duration {
			return nil
		}

		step := pollStep
		if remaining := duration - elapsed; remaining < step {
			step = remaining
		}
		m.sleep(step)
	}
}

// ConsumeReady hands the prepared batch to distribution. The mixer stays
// Ready until Reset so the distribution stage can keep verifying it.
func (m *Mixer) ConsumeReady() (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != model.StateReady {
		return nil, fmt.Errorf("%w: mixer is %s, not ready", model.ErrUnsafe, m.state)
	}
	return m.batch, nil
}

// CheckReadyTimeout aborts a batch that sat in Ready longer than the
// configured hold, preventing stagnant mix from being delivered.
func (m *Mixer) CheckReadyTimeout() {
	m.mu.Lock()
	timedOut := m.state == model.StateReady &&
		m.now().Sub(m.readyAt) > time.Duration(m.cfg.Active().WaterNutrient.ReadyTimeoutSeconds)*time.Second
	m.mu.Unlock()

	if timedOut {
		m.abort("ready_hold", fmt.Errorf("%w: batch exceeded ready hold", model.ErrHardwareTimeout))
	}
}

// Reset returns the mixer to Idle after distribution finishes or an aborted
// batch has been reported. The batch is discarded.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == model.StateIdle {
		return
	}
	log.Debug().Str("from", string(m.state)).Msg("Resetting mixer to idle")
	m.state = model.StateIdle
	m.batch = nil
}

func (m *Mixer) setState(s model.BatchState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Mixer) abort(stage string, cause error) {
	m.mu.Lock()
	batch := m.batch
	m.state = model.StateAborted
	m.batch = nil
	m.mu.Unlock()

	gpio.AllOff(gpio.AllPumps(m.cfg.Active()))

	var batchID int64
	if batch != nil {
		batchID = batch.ID
	}
	log.Error().
		Err(cause).
		Int64("batch", batchID).
		Str("stage", stage).
		Msg("Batch aborted")
	datadog.Count("mixer.batch_aborted", 1, "stage:"+stage)
	if m.faults != nil {
		m.faults.ReportFault("mixer", fmt.Sprintf("batch %d aborted during %s: %v", batchID, stage, cause))
	}
}
