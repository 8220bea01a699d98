package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PhasePrefix marks per-phase keys inside a channel's data map ("phase_a" ...)
const PhasePrefix = "phase_"

// GeneralGroup line-side measurements of one phase.
// All fields are optional on the wire; absent values stay nil.
type GeneralGroup struct {
	LineVoltage *float64 `json:"line_voltage,omitempty"`
	RMSVoltage  *float64 `json:"rms_voltage,omitempty"`
	Frequency   *float64 `json:"frequency,omitempty"`
	Current     *float64 `json:"current,omitempty"`
}

// PowerGroup power measurements of one phase
type PowerGroup struct {
	Factor   *float64 `json:"factor,omitempty"`
	Active   *float64 `json:"active,omitempty"`
	Reactive *float64 `json:"reactive,omitempty"`
	Apparent *float64 `json:"apparent,omitempty"`
}

// EnergyCounters cumulative counters in one direction pair
type EnergyCounters struct {
	Positive *float64 `json:"positive,omitempty"`
	Negative *float64 `json:"negative,omitempty"`
}

// EnergyGroup cumulative energy counters of one phase
type EnergyGroup struct {
	Active   *EnergyCounters `json:"active,omitempty"`
	Reactive *EnergyCounters `json:"reactive,omitempty"`
}

// PhaseData one phase's nested measurement groups
type PhaseData struct {
	General   *GeneralGroup `json:"general,omitempty"`
	Power     *PowerGroup   `json:"power,omitempty"`
	Energy    *EnergyGroup  `json:"energy,omitempty"`
	AvgPower  *PowerGroup   `json:"avg_power,omitempty"`
	AvgEnergy *EnergyGroup  `json:"avg_energy,omitempty"`
}

// RawChannel one channel entry of a telemetry message
type RawChannel struct {
	ID          int                   `json:"ID"`
	Status      bool                  `json:"status"`
	Temperature *float64              `json:"temperature,omitempty"`
	Data        map[string]*PhaseData `json:"data,omitempty"`
}

// TelemetryMessage decoded device telemetry payload
type TelemetryMessage struct {
	DeviceUUID      string       `json:"device_uuid"`
	Timestamp       time.Time    `json:"timestamp"`
	Channels        []RawChannel `json:"channels"`
	BatteryLevel    *float64     `json:"battery_level,omitempty"`
	SignalStrength  *float64     `json:"signal_strength,omitempty"`
	FirmwareVersion *string      `json:"firmware_version,omitempty"`
}

// ParseTelemetryMessage decodes a telemetry payload
func ParseTelemetryMessage(payload []byte) (*TelemetryMessage, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telemetry payload: %w", err)
	}
	if msg.DeviceUUID == "" {
		return nil, fmt.Errorf("telemetry payload missing device_uuid")
	}
	return &msg, nil
}

// PhaseTag extracts the phase letter from a data map key ("phase_a" -> "a").
// Returns false for keys outside the phase family.
func PhaseTag(key string) (string, bool) {
	if !strings.HasPrefix(key, PhasePrefix) {
		return "", false
	}
	tag := strings.TrimPrefix(key, PhasePrefix)
	if tag == "" {
		return "", false
	}
	return tag, true
}
