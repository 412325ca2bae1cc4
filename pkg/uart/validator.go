// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import "fmt"

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyUnknownType AnomalyType = iota
	AnomalyUnknownSubtype
	AnomalyLengthMismatch
	AnomalyOversizedPayload
	AnomalyImplausibleValue
)

// ValidationError represents a packet that decoded cleanly but does not
// make sense for the controller protocol
type ValidationError struct {
	Type    AnomalyType
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket checks a decoded packet against the known subtypes and
// payload shapes. Returns an empty slice when the packet is valid.
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if len(p.payload) > FirmwareMaxPayload {
		errors = append(errors, ValidationError{
			Type:    AnomalyOversizedPayload,
			Message: fmt.Sprintf("payload %d bytes exceeds firmware limit %d", len(p.payload), FirmwareMaxPayload),
		})
	}

	switch p.ptype {
	case TypeCommand:
		if FormatCommand(p.subtype) == "UNKNOWN" {
			errors = append(errors, unknownSubtype(p))
		}
	case TypeData:
		if p.subtype != DataSensor {
			errors = append(errors, unknownSubtype(p))
			break
		}
		errors = append(errors, validateReading(p)...)
	case TypeEvent:
		if FormatEvent(p.subtype) == "UNKNOWN" {
			errors = append(errors, unknownSubtype(p))
			break
		}
		if carriesReading(p.subtype) {
			errors = append(errors, validateReading(p)...)
		}
	default:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("unknown packet type 0x%02X", p.ptype),
		})
	}

	return errors
}

// carriesReading reports whether an event subtype carries a sensor payload
func carriesReading(subtype uint8) bool {
	switch subtype {
	case EvtWaterLow, EvtECLow, EvtWaterHigh, EvtECHigh,
		EvtWaterRecoveryDone, EvtNutriRecoveryDone:
		return true
	}
	return false
}

func unknownSubtype(p *Packet) ValidationError {
	return ValidationError{
		Type:    AnomalyUnknownSubtype,
		Message: fmt.Sprintf("unknown subtype 0x%02X for %s", p.subtype, FormatType(p.ptype)),
	}
}

// validateReading checks the sensor payload size and value ranges
func validateReading(p *Packet) []ValidationError {
	if len(p.payload) != SensorPayloadSize {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("sensor payload is %d bytes, expected %d", len(p.payload), SensorPayloadSize),
		}}
	}

	r, _ := ParseReading(p.payload)
	var errors []ValidationError
	if r.Temperature > 80 {
		errors = append(errors, ValidationError{
			Type:    AnomalyImplausibleValue,
			Message: fmt.Sprintf("implausible temperature %.1f C", r.Temperature),
		})
	}
	if r.Humidity > 100 {
		errors = append(errors, ValidationError{
			Type:    AnomalyImplausibleValue,
			Message: fmt.Sprintf("implausible humidity %.1f %%", r.Humidity),
		})
	}
	return errors
}
