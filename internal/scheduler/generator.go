package scheduler

import (
	"sync"
	"time"

	"github.com/mian7535/msm/internal/models"
)

// Generator produces the bounded oscillating measurement value shared by
// every simulated device: it climbs from the floor to the ceiling and
// reverses at both ends (a triangle wave, not random).
type Generator struct {
	mu        sync.Mutex
	counter   float64
	direction float64
	floor     float64
	ceiling   float64
}

// NewGenerator creates a generator oscillating between floor and ceiling
func NewGenerator(floor, ceiling float64) *Generator {
	return &Generator{
		counter:   floor,
		direction: 1,
		floor:     floor,
		ceiling:   ceiling,
	}
}

// Next returns the current value and advances the wave. Safe for
// concurrent use from per-device simulation loops.
func (g *Generator) Next() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	value := g.counter
	g.counter += g.direction

	if g.counter >= g.ceiling {
		g.direction = -1
	} else if g.counter <= g.floor {
		g.direction = 1
	}

	return value
}

// syntheticMessage builds one simulated telemetry payload: one channel with
// all three phases, every measurement group carrying the wave value
func syntheticMessage(deviceUUID string, channelID int, value float64) *models.TelemetryMessage {
	return &models.TelemetryMessage{
		DeviceUUID: deviceUUID,
		Timestamp:  time.Now().UTC(),
		Channels: []models.RawChannel{
			{
				ID:          channelID,
				Status:      true,
				Temperature: &value,
				Data: map[string]*models.PhaseData{
					"phase_a": syntheticPhase(value),
					"phase_b": syntheticPhase(value),
					"phase_c": syntheticPhase(value),
				},
			},
		},
	}
}

func syntheticPhase(value float64) *models.PhaseData {
	v := value
	return &models.PhaseData{
		General: &models.GeneralGroup{
			LineVoltage: &v,
			RMSVoltage:  &v,
			Frequency:   &v,
			Current:     &v,
		},
		Power: &models.PowerGroup{
			Factor:   &v,
			Active:   &v,
			Reactive: &v,
			Apparent: &v,
		},
		Energy: &models.EnergyGroup{
			Active:   &models.EnergyCounters{Positive: &v, Negative: &v},
			Reactive: &models.EnergyCounters{Positive: &v, Negative: &v},
		},
		AvgPower: &models.PowerGroup{
			Factor:   &v,
			Active:   &v,
			Reactive: &v,
			Apparent: &v,
		},
		AvgEnergy: &models.EnergyGroup{
			Active:   &models.EnergyCounters{Positive: &v, Negative: &v},
			Reactive: &models.EnergyCounters{Positive: &v, Negative: &v},
		},
	}
}
