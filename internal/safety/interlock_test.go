package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/state"
)

type fakeLevels map[string]bool

func (f fakeLevels) FillLevel(name string) bool { return f[name] }

func TestCanStartBatch(t *testing.T) {
	tests := []struct {
		name    string
		abort   bool
		levels  fakeLevels
		wantErr string
	}{
		{
			"all clear",
			false,
			fakeLevels{model.MixerFull: false, model.WaterTankLow: false, model.NutrientTankLow: false},
			"",
		},
		{
			"abort set",
			true,
			fakeLevels{},
			"abort mode is set",
		},
		{
			"mixer already full",
			false,
			fakeLevels{model.MixerFull: true},
			"mixer is already full",
		},
		{
			"water tank low",
			false,
			fakeLevels{model.WaterTankLow: true},
			"water tank low",
		},
		{
			"nutrient tank low",
			false,
			fakeLevels{model.NutrientTankLow: true},
			"nutrient tank low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := New(tt.levels, state.New(tt.abort, nil))
			err := i.CanStartBatch()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, model.ErrUnsafe)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCanDistribute(t *testing.T) {
	levels := fakeLevels{model.MixerFull: true}
	ctrl := state.New(false, nil)
	i := New(levels, ctrl)

	assert.NoError(t, i.CanDistribute())

	levels[model.MixerFull] = false
	assert.ErrorIs(t, i.CanDistribute(), model.ErrUnsafe)

	levels[model.MixerFull] = true
	ctrl.SetAbort(true)
	assert.ErrorIs(t, i.CanDistribute(), model.ErrUnsafe)
}

func TestTankFault(t *testing.T) {
	levels := fakeLevels{}
	i := New(levels, state.New(false, nil))
	assert.False(t, i.TankFault())

	levels[model.NutrientTankLow] = true
	assert.True(t, i.TankFault())

	levels[model.NutrientTankLow] = false
	levels[model.WaterTankLow] = true
	assert.True(t, i.TankFault())
}
