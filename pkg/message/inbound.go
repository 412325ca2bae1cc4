// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package message

import (
	"encoding/json"
	"fmt"

	"github.com/ssukssuk/sprout/pkg/device"
)

// Header holds the fields every inbound control message may carry
type Header struct {
	MsgID     string     `json:"msg_id"`
	SentAt    string     `json:"sent_at,omitempty"`
	SerialNum string     `json:"serial_num"`
	PlantID   *device.ID `json:"plant_id"`
	Type      string     `json:"type"`
}

// ParseHeader decodes only the header of a control message
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("invalid json: %w", err)
	}
	return h, nil
}

// ClaimUpdate assigns or releases device ownership
type ClaimUpdate struct {
	Header
	ClaimState device.ClaimState `json:"claim_state"`
	UserID     *device.ID        `json:"user_id"`
	Mode       *device.Mode      `json:"mode"`
}

// BindingUpdate binds the device to a plant or releases it
type BindingUpdate struct {
	Header
	BindingState device.BindingState     `json:"binding_state"`
	Species      *device.ID              `json:"species"`
	IdealRanges  map[string]device.Range `json:"ideal_ranges"`
	LEDTime      *device.LEDTime         `json:"led_time"`
}

// ModeUpdate switches between AUTO and MANUAL
type ModeUpdate struct {
	Header
	Mode device.Mode `json:"mode"`
}

// Camera views
const (
	ViewTop  = "TOP"
	ViewSide = "SIDE"
)

// UploadItem is one presigned upload target
type UploadItem struct {
	ViewType  string            `json:"view_type"`
	ObjectKey string            `json:"object_key"`
	UploadURL string            `json:"upload_url"`
	Headers   map[string]string `json:"headers"`
}

// UploadURL asks the device to photograph the plant and upload the images
type UploadURL struct {
	Header
	ExpiresInSec int          `json:"expires_in_sec"`
	Items        []UploadItem `json:"items"`
}

// Unmarshal decodes a control message body into v
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
