package safety

import (
	"fmt"

	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/state"
)

// LevelReader is the slice of the sensor hub the interlock consults.
type LevelReader interface {
	FillLevel(name string) bool
}

// Interlock gates every actuation on tank levels and the operator abort
// flag. Authorization is never cached: callers re-check before each pump
// step, not once per batch.
type Interlock struct {
	levels LevelReader
	ctrl   *state.ControlState
}

func New(levels LevelReader, ctrl *state.ControlState) *Interlock {
	return &Interlock{levels: levels, ctrl: ctrl}
}

// CanStartBatch authorizes mixing a new batch: abort clear, mixer not
// already full, and both supply tanks above their low marks.
func (i *Interlock) CanStartBatch() error {
	if i.ctrl.Abort() {
		return fmt.Errorf("%w: abort mode is set", model.ErrUnsafe)
	}
	if i.levels.FillLevel(model.MixerFull) {
		return fmt.Errorf("%w: mixer is already full", model.ErrUnsafe)
	}
	if i.levels.FillLevel(model.WaterTankLow) {
		return fmt.Errorf("%w: water tank low", model.ErrUnsafe)
	}
	if i.levels.FillLevel(model.NutrientTankLow) {
		return fmt.Errorf("%w: nutrient tank low", model.ErrUnsafe)
	}
	return nil
}

// CanDistribute authorizes delivery of a prepared batch.
func (i *Interlock) CanDistribute() error {
	if i.ctrl.Abort() {
		return fmt.Errorf("%w: abort mode is set", model.ErrUnsafe)
	}
	if !i.levels.FillLevel(model.MixerFull) {
		return fmt.Errorf("%w: mixer is not full", model.ErrUnsafe)
	}
	return nil
}

// TankFault reports a supply tank running dry mid-batch; the mixer aborts on
// the next poll when this fires.
func (i *Interlock) TankFault() bool {
	return i.levels.FillLevel(model.WaterTankLow) || i.levels.FillLevel(model.NutrientTankLow)
}

// Aborted exposes the abort flag for mid-actuation checks.
func (i *Interlock) Aborted() bool {
	return i.ctrl.Abort()
}

// MixerFull reports the mixer level switch, used by the fill stage to stop
// early when the float trips before the dosed volume is reached.
func (i *Interlock) MixerFull() bool {
	return i.levels.FillLevel(model.MixerFull)
}
