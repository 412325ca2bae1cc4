// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"fmt"
	"sort"
	"strings"
)

// Command builder functions create COMMAND packets ready for encoding.

// NewCommand creates a COMMAND packet with an optional payload
func NewCommand(subtype uint8, payload []byte) *Packet {
	return NewPacket(TypeCommand, subtype, payload)
}

// NewReady creates a READY packet (0x01), sent once when the host boots
func NewReady() *Packet {
	return NewCommand(CmdReady, nil)
}

// NewSensorRequest creates a REQ_SENSOR packet (0x02).
// The controller answers with a DATA/SENSOR packet.
func NewSensorRequest() *Packet {
	return NewCommand(CmdReqSensor, nil)
}

// NewLEDCommand creates LED_ON (0x03) or LED_OFF (0x04)
func NewLEDCommand(on bool) *Packet {
	if on {
		return NewCommand(CmdLEDOn, nil)
	}
	return NewCommand(CmdLEDOff, nil)
}

// Pump identifies one of the two dosing pumps
type Pump int

const (
	PumpWater Pump = iota
	PumpNutrient
)

// NewPumpCommand creates PUMP_{WATER,NUTRI}_{START,STOP}
func NewPumpCommand(pump Pump, start bool) *Packet {
	switch {
	case pump == PumpWater && start:
		return NewCommand(CmdPumpWaterStart, nil)
	case pump == PumpWater:
		return NewCommand(CmdPumpWaterStop, nil)
	case start:
		return NewCommand(CmdPumpNutriStart, nil)
	default:
		return NewCommand(CmdPumpNutriStop, nil)
	}
}

// NewAutoRecovery creates AUTO_RECOVERY (0x0E). The controller decides
// which pump to run from its own anomaly mask.
func NewAutoRecovery() *Packet {
	return NewCommand(CmdAutoRecovery, nil)
}

// NewClose creates CLOSE (0x0F), telling the controller the host is
// shutting down
func NewClose() *Packet {
	return NewCommand(CmdClose, nil)
}

// NewPing creates PING (0x0C)
func NewPing() *Packet {
	return NewCommand(CmdPing, nil)
}

// commandNames maps CLI names to command subtypes
var commandNames = map[string]uint8{
	"ready":            CmdReady,
	"req_sensor":       CmdReqSensor,
	"led_on":           CmdLEDOn,
	"led_off":          CmdLEDOff,
	"pump_water_start": CmdPumpWaterStart,
	"pump_nutri_start": CmdPumpNutriStart,
	"pump_water_stop":  CmdPumpWaterStop,
	"pump_nutri_stop":  CmdPumpNutriStop,
	"ping":             CmdPing,
	"pong":             CmdPong,
	"auto_recovery":    CmdAutoRecovery,
	"close":            CmdClose,
}

// CommandByName resolves a command name such as "led_on" or "PUMP_WATER_STOP"
func CommandByName(name string) (uint8, error) {
	subtype, ok := commandNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown command %q (known: %s)", name, strings.Join(CommandNames(), ", "))
	}
	return subtype, nil
}

// CommandNames returns all command names in subtype order
func CommandNames() []string {
	names := make([]string, 0, len(commandNames))
	for name := range commandNames {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return commandNames[names[i]] < commandNames[names[j]]
	})
	return names
}
