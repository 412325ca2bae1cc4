// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"encoding/binary"
	"fmt"
)

// Reading is one sensor sample carried by a DataSensor packet or by a
// recovery-done event
type Reading struct {
	Temperature  float64 // degrees C
	Humidity     float64 // percent RH
	NutrientConc float64
	WaterLevel   float64
}

// ParseReading decodes the fixed-width sensor payload:
// temperature x10, humidity x10, nutrient concentration, water level, each a
// little-endian uint16
func ParseReading(payload []byte) (Reading, error) {
	if len(payload) < SensorPayloadSize {
		return Reading{}, fmt.Errorf("sensor payload too short: %d bytes (need %d)", len(payload), SensorPayloadSize)
	}
	return Reading{
		Temperature:  float64(binary.LittleEndian.Uint16(payload[0:2])) / 10.0,
		Humidity:     float64(binary.LittleEndian.Uint16(payload[2:4])) / 10.0,
		NutrientConc: float64(binary.LittleEndian.Uint16(payload[4:6])),
		WaterLevel:   float64(binary.LittleEndian.Uint16(payload[6:8])),
	}, nil
}

// EncodeReading is the inverse of ParseReading. Values are rounded to the
// wire resolution.
func EncodeReading(r Reading) []byte {
	payload := make([]byte, SensorPayloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], toU16(r.Temperature*10))
	binary.LittleEndian.PutUint16(payload[2:4], toU16(r.Humidity*10))
	binary.LittleEndian.PutUint16(payload[4:6], toU16(r.NutrientConc))
	binary.LittleEndian.PutUint16(payload[6:8], toU16(r.WaterLevel))
	return payload
}

func toU16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 0xFFFF:
		return 0xFFFF
	}
	return uint16(v + 0.5)
}
