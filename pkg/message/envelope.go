// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package message defines the JSON documents exchanged with the cloud: the
// common envelope, acknowledgements, inbound control messages and outbound
// telemetry.
package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/ssukssuk/sprout/pkg/device"
)

// Message types
const (
	TypeClaimUpdate    = "CLAIM_UPDATE"
	TypeBindingUpdate  = "BINDING_UPDATE"
	TypeModeUpdate     = "MODE_UPDATE"
	TypeUploadURL      = "UPLOAD_URL"
	TypeAck            = "ACK"
	TypeSensorUplink   = "SENSOR_UPLINK"
	TypeActionResult   = "ACTION_RESULT"
	TypeImageInference = "IMAGE_INFERENCE"
)

// msg_id prefixes
const (
	PrefixAck    = "ack"
	PrefixAction = "action"
)

// TimeLayout is the sent_at format: local ISO-8601 with offset
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Envelope is the header shared by every outbound message
type Envelope struct {
	MsgID     string     `json:"msg_id"`
	SentAt    string     `json:"sent_at"`
	SerialNum string     `json:"serial_num"`
	PlantID   *device.ID `json:"plant_id"`
	Type      string     `json:"type"`
}

// Builder stamps new outbound messages. The zero value is not usable; use
// NewBuilder.
type Builder struct {
	serial   string
	location *time.Location

	// Now and NewID are replaceable for tests
	Now   func() time.Time
	NewID func() string
}

// NewBuilder creates a builder for the device serial number. loc sets the
// sent_at zone; nil means the host's local zone.
func NewBuilder(serial string, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{
		serial:   serial,
		location: loc,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
}

// Serial returns the device serial number
func (b *Builder) Serial() string {
	return b.serial
}

// MsgID generates a fresh message id, "<prefix>-<uuid>" or a bare uuid.
// Retries of an already sent message must reuse its id instead.
func (b *Builder) MsgID(prefix string) string {
	id := b.NewID()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Timestamp formats t in the builder's zone
func (b *Builder) Timestamp(t time.Time) string {
	return t.In(b.location).Format(TimeLayout)
}

// Envelope builds a header with a caller supplied msg_id
func (b *Builder) Envelope(msgID, msgType string, plantID *device.ID) Envelope {
	return Envelope{
		MsgID:     msgID,
		SentAt:    b.Timestamp(b.Now()),
		SerialNum: b.serial,
		PlantID:   plantID,
		Type:      msgType,
	}
}
