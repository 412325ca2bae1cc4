// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package uart implements the framed serial protocol spoken by the grow
// controller board.
//
// A frame is STX, type, subtype, length, payload, checksum, ETX. The checksum
// is the XOR of type, subtype, length and every payload byte. This package
// provides frame encoding/decoding, an incremental stream parser, the
// controller link, and capture/formatting helpers for diagnostics.
package uart

// Protocol framing bytes
const (
	STX = 0xAA
	ETX = 0x55
)

// Frame size limits
const (
	FrameOverhead  = 6 // STX + type + subtype + length + checksum + ETX
	MaxPayloadSize = 255
	MaxFrameSize   = FrameOverhead + MaxPayloadSize

	// Largest payload the controller firmware accepts
	FirmwareMaxPayload = 32
)

// Packet types
const (
	TypeCommand = 0x01 // host -> controller
	TypeData    = 0x02 // controller -> host, sensor readings
	TypeEvent   = 0x03 // controller -> host, notifications
)

// Command subtypes (TypeCommand)
const (
	CmdReady          = 0x01
	CmdReqSensor      = 0x02
	CmdLEDOn          = 0x03
	CmdLEDOff         = 0x04
	CmdPumpWaterStart = 0x07
	CmdPumpNutriStart = 0x08
	CmdPumpWaterStop  = 0x09
	CmdPumpNutriStop  = 0x0A
	CmdPing           = 0x0C
	CmdPong           = 0x0D
	CmdAutoRecovery   = 0x0E
	CmdClose          = 0x0F
)

// Data subtypes (TypeData)
const (
	DataSensor = 0x01
)

// Event subtypes (TypeEvent)
const (
	EvtWaterLow           = 0x01
	EvtECLow              = 0x02
	EvtWaterHigh          = 0x03
	EvtECHigh             = 0x04
	EvtWaterRecoveryDone  = 0x05
	EvtNutriRecoveryDone  = 0x06
	EvtSensorFail         = 0x07
	EvtWaterPumpFail      = 0x08
	EvtNutriPumpFail      = 0x09
	EvtWaterActionSuccess = 0x0A
	EvtNutriActionSuccess = 0x0B
)

// SensorPayloadSize is the size of a DataSensor payload: four little-endian
// uint16 fields.
const SensorPayloadSize = 8
