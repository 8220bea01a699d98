package models

import "time"

// TelemetryRecord one flattened row per (device, channel, phase, observation time).
// Measurement fields absent from the source payload stay nil and are stored
// as NULL, never coerced to zero.
type TelemetryRecord struct {
	ID            int64     `json:"id,omitempty"`
	DeviceUUID    string    `json:"device_uuid"`
	Timestamp     time.Time `json:"timestamp"`
	ChannelID     int       `json:"channel_id"`
	Phase         string    `json:"phase"`
	ChannelStatus bool      `json:"channel_status"`
	Temperature   *float64  `json:"temperature"`

	// General measurements
	LineVoltage *float64 `json:"line_voltage"`
	RMSVoltage  *float64 `json:"rms_voltage"`
	Frequency   *float64 `json:"frequency"`
	Current     *float64 `json:"current"`

	// Power measurements
	PowerFactor   *float64 `json:"power_factor"`
	ActivePower   *float64 `json:"active_power"`
	ReactivePower *float64 `json:"reactive_power"`
	ApparentPower *float64 `json:"apparent_power"`

	// Energy counters
	ActiveEnergyPositive   *float64 `json:"active_energy_positive"`
	ActiveEnergyNegative   *float64 `json:"active_energy_negative"`
	ReactiveEnergyPositive *float64 `json:"reactive_energy_positive"`
	ReactiveEnergyNegative *float64 `json:"reactive_energy_negative"`

	// Instantaneous averages of the power/energy groups
	AvgPowerFactor            *float64 `json:"avg_power_factor"`
	AvgActivePower            *float64 `json:"avg_active_power"`
	AvgReactivePower          *float64 `json:"avg_reactive_power"`
	AvgApparentPower          *float64 `json:"avg_apparent_power"`
	AvgActiveEnergyPositive   *float64 `json:"avg_active_energy_positive"`
	AvgActiveEnergyNegative   *float64 `json:"avg_active_energy_negative"`
	AvgReactiveEnergyPositive *float64 `json:"avg_reactive_energy_positive"`
	AvgReactiveEnergyNegative *float64 `json:"avg_reactive_energy_negative"`

	// Device-level metadata
	BatteryLevel    *float64 `json:"battery_level"`
	SignalStrength  *float64 `json:"signal_strength"`
	FirmwareVersion *string  `json:"firmware_version"`

	Processed bool `json:"processed"`

	// Rank within its (channel, phase) group when the aggregation
	// requested ranking; 1 = most recent.
	Rank int `json:"rank,omitempty"`
}

// FromPhase builds one record from channel metadata plus one phase's groups
func (m *TelemetryMessage) FromPhase(ch *RawChannel, phase string, data *PhaseData) *TelemetryRecord {
	rec := &TelemetryRecord{
		DeviceUUID:      m.DeviceUUID,
		Timestamp:       m.Timestamp,
		ChannelID:       ch.ID,
		Phase:           phase,
		ChannelStatus:   ch.Status,
		Temperature:     ch.Temperature,
		BatteryLevel:    m.BatteryLevel,
		SignalStrength:  m.SignalStrength,
		FirmwareVersion: m.FirmwareVersion,
	}

	if data == nil {
		return rec
	}

	if g := data.General; g != nil {
		rec.LineVoltage = g.LineVoltage
		rec.RMSVoltage = g.RMSVoltage
		rec.Frequency = g.Frequency
		rec.Current = g.Current
	}

	if p := data.Power; p != nil {
		rec.PowerFactor = p.Factor
		rec.ActivePower = p.Active
		rec.ReactivePower = p.Reactive
		rec.ApparentPower = p.Apparent
	}

	if e := data.Energy; e != nil {
		if e.Active != nil {
			rec.ActiveEnergyPositive = e.Active.Positive
			rec.ActiveEnergyNegative = e.Active.Negative
		}
		if e.Reactive != nil {
			rec.ReactiveEnergyPositive = e.Reactive.Positive
			rec.ReactiveEnergyNegative = e.Reactive.Negative
		}
	}

	if p := data.AvgPower; p != nil {
		rec.AvgPowerFactor = p.Factor
		rec.AvgActivePower = p.Active
		rec.AvgReactivePower = p.Reactive
		rec.AvgApparentPower = p.Apparent
	}

	if e := data.AvgEnergy; e != nil {
		if e.Active != nil {
			rec.AvgActiveEnergyPositive = e.Active.Positive
			rec.AvgActiveEnergyNegative = e.Active.Negative
		}
		if e.Reactive != nil {
			rec.AvgReactiveEnergyPositive = e.Reactive.Positive
			rec.AvgReactiveEnergyNegative = e.Reactive.Negative
		}
	}

	return rec
}
