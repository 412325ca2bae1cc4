// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")

	result := fmt.Sprintf("[%s] %s %s (0x%02X/0x%02X) len=%d chk=0x%02X\n",
		timestamp, FormatType(p.ptype), FormatSubtype(p.ptype, p.subtype),
		p.ptype, p.subtype, len(p.payload), p.checksum)

	if detail := FormatPayload(p); detail != "" {
		result += detail
	}

	return result
}

// FormatType returns the human-readable name for a packet type
func FormatType(ptype uint8) string {
	switch ptype {
	case TypeCommand:
		return "CMD"
	case TypeData:
		return "DATA"
	case TypeEvent:
		return "EVENT"
	default:
		return "UNKNOWN"
	}
}

// FormatSubtype returns the name for a subtype in the context of its type
func FormatSubtype(ptype, subtype uint8) string {
	switch ptype {
	case TypeCommand:
		return FormatCommand(subtype)
	case TypeData:
		if subtype == DataSensor {
			return "SENSOR"
		}
	case TypeEvent:
		return FormatEvent(subtype)
	}
	return "UNKNOWN"
}

// FormatCommand returns the name for a command subtype
func FormatCommand(subtype uint8) string {
	switch subtype {
	case CmdReady:
		return "READY"
	case CmdReqSensor:
		return "REQ_SENSOR"
	case CmdLEDOn:
		return "LED_ON"
	case CmdLEDOff:
		return "LED_OFF"
	case CmdPumpWaterStart:
		return "PUMP_WATER_START"
	case CmdPumpNutriStart:
		return "PUMP_NUTRI_START"
	case CmdPumpWaterStop:
		return "PUMP_WATER_STOP"
	case CmdPumpNutriStop:
		return "PUMP_NUTRI_STOP"
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	case CmdAutoRecovery:
		return "AUTO_RECOVERY"
	case CmdClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// FormatEvent returns the name for an event subtype
func FormatEvent(subtype uint8) string {
	switch subtype {
	case EvtWaterLow:
		return "WATER_LOW"
	case EvtECLow:
		return "EC_LOW"
	case EvtWaterHigh:
		return "WATER_HIGH"
	case EvtECHigh:
		return "EC_HIGH"
	case EvtWaterRecoveryDone:
		return "WATER_RECOVERY_DONE"
	case EvtNutriRecoveryDone:
		return "NUTRI_RECOVERY_DONE"
	case EvtSensorFail:
		return "SENSOR_FAIL"
	case EvtWaterPumpFail:
		return "WATER_PUMP_FAIL"
	case EvtNutriPumpFail:
		return "NUTRI_PUMP_FAIL"
	case EvtWaterActionSuccess:
		return "WATER_ACTION_SUCCESS"
	case EvtNutriActionSuccess:
		return "NUTRI_ACTION_SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// FormatPayload returns decoded payload detail lines, or "" when the packet
// has nothing worth printing
func FormatPayload(p *Packet) string {
	if len(p.payload) == 0 {
		return ""
	}

	if (p.ptype == TypeData && p.subtype == DataSensor) || (p.ptype == TypeEvent && carriesReading(p.subtype)) {
		if r, err := ParseReading(p.payload); err == nil {
			return "  " + FormatReading(r) + "\n"
		}
	}

	return "  payload: " + FormatHex(p.payload) + "\n"
}

// FormatReading renders a sensor reading on one line
func FormatReading(r Reading) string {
	return fmt.Sprintf("temp=%.1fC humidity=%.1f%% nutrient=%.0f water=%.0f",
		r.Temperature, r.Humidity, r.NutrientConc, r.WaterLevel)
}

// FormatHex renders bytes as space separated hex pairs
func FormatHex(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
