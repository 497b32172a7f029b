package gpio

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/pinctrl"
)

var safeMode bool

func SetSafeMode(enabled bool) {
	safeMode = enabled
}

// ValidateStartupPins refuses startup if any pump relay reads active. A pump
// that is already running at boot means the relay board or a previous run is
// in an unknown state, and actuating on top of that is how tanks overflow.
func ValidateStartupPins(cfg *config.Config) error {
	for _, pump := range AllPumps(cfg) {
		if pump.Pin.Number < 0 {
			continue // pump disabled in config
		}
		level, err := pinctrl.ReadLevel(pump.Pin.Number)
		if err != nil {
			return fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", pump.ID, pump.Pin.Number, err)
		}
		if pump.Pin.ActiveHigh == level {
			return fmt.Errorf("pump %s (GPIO %d) is active at startup", pump.ID, pump.Pin.Number)
		}
	}
	return nil
}

// AllPumps flattens every configured pump for validation and shutdown paths.
func AllPumps(cfg *config.Config) []model.PumpSpec {
	var pumps []model.PumpSpec
	for _, p := range cfg.WaterNutrient.NutrientPumps {
		pumps = append(pumps, p)
	}
	pumps = append(pumps, cfg.WaterNutrient.WaterPump)
	for _, p := range cfg.WaterNutrient.DistributionPumps {
		pumps = append(pumps, p)
	}
	return pumps
}

var Activate = func(pin model.GPIOPin) {
	if safeMode {
		return
	}

	drive := "dl"
	if pin.ActiveHigh {
		drive = "dh"
	}
	if err := pinctrl.SetPin(pin.Number, "op", "pn", drive); err != nil {
		log.Error().Err(err).Int("pin", pin.Number).Msg("Failed to activate pin")
	}
}

var Deactivate = func(pin model.GPIOPin) {
	if safeMode {
		return
	}

	drive := "dh"
	if pin.ActiveHigh {
		drive = "dl"
	}
	if err := pinctrl.SetPin(pin.Number, "op", "pn", drive); err != nil {
		log.Error().Err(err).Int("pin", pin.Number).Msg("Failed to deactivate pin")
	}
}

var CurrentlyActive = func(pin model.GPIOPin) bool {
	level, err := pinctrl.ReadLevel(pin.Number)
	if err != nil {
		log.Error().Err(err).Int("pin", pin.Number).Msg("Failed to read pin level")
		return false
	}
	return pin.ActiveHigh == level
}

// AllOff drives every pump relay inactive. Used on abort and on every fatal
// path; must never depend on in-memory controller state.
func AllOff(pumps []model.PumpSpec) {
	for _, pump := range pumps {
		if pump.Pin.Number < 0 {
			continue
		}
		Deactivate(pump.Pin)
	}
	log.Info().Int("pumps", len(pumps)).Msg("All pump relays deactivated")
}
