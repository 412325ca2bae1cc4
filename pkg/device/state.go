// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device holds the appliance's persisted state document: ownership
// claim, plant binding, operating mode and uplink sequence counters.
package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ClaimState is the cloud ownership state
type ClaimState string

const (
	Claimed   ClaimState = "CLAIMED"
	Unclaimed ClaimState = "UNCLAIMED"
)

// BindingState is the plant association state
type BindingState string

const (
	Bound   BindingState = "BOUND"
	Unbound BindingState = "UNBOUND"
)

// Mode selects whether the device corrects anomalies on its own
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// Sensor keys used in ideal ranges and uplink values
const (
	KeyTemperature  = "temperature"
	KeyHumidity     = "humidity"
	KeyWaterLevel   = "water_level"
	KeyNutrientConc = "nutrient_conc"
)

// SensorKeys lists the ideal range keys a fresh document carries
var SensorKeys = []string{KeyTemperature, KeyHumidity, KeyWaterLevel, KeyNutrientConc}

// Sequence counter kinds
const (
	SeqSensorUplink = "SENSOR_UPLINK"
	SeqActionResult = "ACTION_RESULT"
)

// ID is an identifier the cloud may send as a JSON number or string. It is
// written back as a number whenever it is a canonical base 10 integer.
type ID string

// UnmarshalJSON accepts numbers and strings
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes canonical integer ids as numbers and everything else,
// including forms such as "007" or "+5", as strings
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// NewID returns a pointer to id, or nil when id is empty
func NewID(id string) *ID {
	if id == "" {
		return nil
	}
	v := ID(id)
	return &v
}

// Range is the ideal band for one sensor. A nil bound is unchecked.
type Range struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// LEDTime is the daily LED window in local hours
type LEDTime struct {
	Start *int `json:"start"`
	End   *int `json:"end"`
}

// Claim is the ownership section
type Claim struct {
	State  ClaimState `json:"claim_state"`
	UserID *ID        `json:"user_id"`
}

// Binding is the plant section
type Binding struct {
	State       BindingState     `json:"binding_state"`
	PlantID     *ID              `json:"plant_id"`
	Species     *ID              `json:"species"`
	IdealRanges map[string]Range `json:"ideal_ranges"`
	LEDTime     LEDTime          `json:"led_time"`
}

// State is the persisted device document
type State struct {
	Claim   Claim             `json:"claim"`
	Binding Binding           `json:"binding"`
	Mode    Mode              `json:"mode"`
	Seq     map[string]uint64 `json:"seq"`
}

// DefaultState returns the factory document: unclaimed, unbound, AUTO, with
// empty ranges for every sensor key
func DefaultState() *State {
	s := &State{
		Claim:   Claim{State: Unclaimed},
		Binding: Binding{State: Unbound, IdealRanges: make(map[string]Range, len(SensorKeys))},
		Mode:    ModeAuto,
		Seq:     map[string]uint64{SeqSensorUplink: 0, SeqActionResult: 0},
	}
	for _, k := range SensorKeys {
		s.Binding.IdealRanges[k] = Range{}
	}
	return s
}

// IsClaimed reports whether the device is owned
func (s *State) IsClaimed() bool {
	return s.Claim.State == Claimed
}

// IsBound reports whether a plant is bound
func (s *State) IsBound() bool {
	return s.Binding.State == Bound
}

// Operational reports whether telemetry should flow (claimed and bound)
func (s *State) Operational() bool {
	return s.IsClaimed() && s.IsBound()
}

// NextSeq increments and returns the counter for kind
func (s *State) NextSeq(kind string) uint64 {
	if s.Seq == nil {
		s.Seq = make(map[string]uint64)
	}
	s.Seq[kind]++
	return s.Seq[kind]
}

// ClearBinding forces the binding section to UNBOUND and clears every
// bound value. Range keys are kept.
func (s *State) ClearBinding() {
	s.Binding.State = Unbound
	s.Binding.PlantID = nil
	s.Binding.Species = nil
	s.Binding.LEDTime = LEDTime{}
	for k := range s.Binding.IdealRanges {
		s.Binding.IdealRanges[k] = Range{}
	}
}

// Validate checks the document's structural invariants
func (s *State) Validate() error {
	switch s.Claim.State {
	case Claimed, Unclaimed:
	default:
		return fmt.Errorf("invalid claim_state %q", s.Claim.State)
	}
	switch s.Binding.State {
	case Bound, Unbound:
	default:
		return fmt.Errorf("invalid binding_state %q", s.Binding.State)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", s.Mode)
	}
	if s.IsBound() && s.Binding.PlantID == nil {
		return fmt.Errorf("bound without plant_id")
	}
	if !s.IsClaimed() && s.IsBound() {
		return fmt.Errorf("unclaimed device cannot be bound")
	}
	return nil
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	c := *s
	c.Claim.UserID = cloneID(s.Claim.UserID)
	c.Binding.PlantID = cloneID(s.Binding.PlantID)
	c.Binding.Species = cloneID(s.Binding.Species)
	c.Binding.LEDTime = LEDTime{Start: cloneInt(s.Binding.LEDTime.Start), End: cloneInt(s.Binding.LEDTime.End)}

	if s.Binding.IdealRanges != nil {
		c.Binding.IdealRanges = make(map[string]Range, len(s.Binding.IdealRanges))
		for k, r := range s.Binding.IdealRanges {
			c.Binding.IdealRanges[k] = Range{Min: cloneFloat(r.Min), Max: cloneFloat(r.Max)}
		}
	}
	if s.Seq != nil {
		c.Seq = make(map[string]uint64, len(s.Seq))
		for k, v := range s.Seq {
			c.Seq[k] = v
		}
	}
	return &c
}

func cloneID(v *ID) *ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
