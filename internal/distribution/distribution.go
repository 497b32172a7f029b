package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/gpio"
	"github.com/growlab/grow-controller/internal/mixer"
	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/safety"
)

const pollStep = 100 * time.Millisecond

// Controller delivers a prepared batch to its plants, one pump at a time.
// Sequential actuation bounds peak current draw on the relay board.
type Controller struct {
	cfg    *config.Manager
	guard  *safety.Interlock
	mixer  *mixer.Mixer
	faults mixer.FaultReporter

	sleep func(time.Duration)
	now   func() time.Time
}

func New(cfg *config.Manager, guard *safety.Interlock, mx *mixer.Mixer, faults mixer.FaultReporter) *Controller {
	return &Controller{
		cfg:    cfg,
		guard:  guard,
		mixer:  mx,
		faults: faults,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// Distribute runs the delivery stage for a Ready batch. Every plant gets a
// result; a failed plant does not stop the others unless the interlock
// trips. The mixer is reset to Idle afterwards regardless of outcome.
func (c *Controller) Distribute(ctx context.Context) []model.DeliveryResult {
	batch, err := c.mixer.ConsumeReady()
	if err != nil {
		log.Error().Err(err).Msg("Distribution requested without a ready batch")
		return nil
	}
	defer c.mixer.Reset()

	active := c.cfg.Active()
	results := make([]model.DeliveryResult, 0, len(batch.PlantIDs))

	for _, plantID := range batch.PlantIDs {
		result := c.deliverOne(ctx, active, batch, plantID)
		results = append(results, result)

		if result.Err != nil {
			log.Error().
				Err(result.Err).
				Str("plant", plantID).
				Msg("Delivery failed")
			datadog.Count("distribution.failed", 1, "plant:"+plantID)
			if c.faults != nil {
				c.faults.ReportFault("distribution", fmt.Sprintf("plant %s: %v", plantID, result.Err))
			}
		} else {
			log.Info().
				Str("plant", plantID).
				Float64("ml", result.Ml).
				Dur("duration", result.Duration).
				Msg("Delivery complete")
			datadog.Count("distribution.delivered", 1, "plant:"+plantID)
		}
	}
	return results
}

func (c *Controller) deliverOne(ctx context.Context, cfg *config.Config, batch *model.Batch, plantID string) model.DeliveryResult {
	result := model.DeliveryResult{PlantID: plantID, Ml: batch.MlPerPlant}

	// Authorization is re-checked per plant, not once per batch.
	if err := c.guard.CanDistribute(); err != nil {
		result.Err = err
		return result
	}

	spec, ok := cfg.Plants[plantID]
	if !ok {
		result.Err = fmt.Errorf("%w: %s", model.ErrUnknownPlant, plantID)
		return result
	}
	pump, ok := cfg.WaterNutrient.DistributionPumps[spec.WaterPumpID]
	if !ok {
		result.Err = fmt.Errorf("%w: %s", model.ErrUnknownPump, spec.WaterPumpID)
		return result
	}
	result.PumpID = pump.ID

	duration, enabled := pump.RunDuration(batch.MlPerPlant)
	if !enabled {
		result.Err = fmt.Errorf("%w: pump %s is disabled", model.ErrUnknownPump, spec.WaterPumpID)
		return result
	}
	result.Duration = duration

	start := c.now()
	err := c.runPump(ctx, pump, duration)
	datadog.Gauge("distribution.pump_runtime_ms", float64(c.now().Sub(start).Milliseconds()), "pump:"+pump.ID)
	result.Err = err
	return result
}

// runPump actuates one distribution pump with the same watchdog contract as
// the mixer: overrun past 1.5x expected is a hardware fault, and the pump is
// deactivated either way.
func (c *Controller) runPump(ctx context.Context, pump model.PumpSpec, duration time.Duration) error {
	gpio.Activate(pump.Pin)
	defer gpio.Deactivate(pump.Pin)

	start := c.now()
	watchdog := duration + duration/2

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: shutdown requested during delivery", model.ErrUnsafe)
		}
		if c.guard.Aborted() {
			return fmt.Errorf("%w: abort mode set during delivery", model.ErrUnsafe)
		}

		elapsed := c.now().Sub(start)
		if elapsed > watchdog {
			return fmt.Errorf("%w: pump %s overran %s", model.ErrHardwareTimeout, pump.ID, watchdog)
		}
		if elapsed >= duration {
			return nil
		}

		step := pollStep
		if remaining := duration - elapsed; remaining < step {
			step = remaining
		}
		c.sleep(step)
	}
}
