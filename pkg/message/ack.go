// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package message

// AckStatus is the outcome reported for one inbound control message
type AckStatus string

const (
	StatusOK               AckStatus = "OK"
	StatusDroppedDuplicate AckStatus = "DROPPED_DUPLICATE"
	StatusDroppedOldSeq    AckStatus = "DROPPED_OLD_SEQ"
	StatusError            AckStatus = "ERROR"
)

// Error codes carried by ERROR acks
const (
	ErrCodeInternal = "INTERNAL_ERROR"
	ErrCodeCamera   = "CAMERA_ERROR"
	ErrCodeUpload   = "UPLOAD_ERROR"
)

// Ack acknowledges exactly one inbound control message
type Ack struct {
	Envelope
	RefMsgID     string    `json:"ref_msg_id"`
	RefType      string    `json:"ref_type"`
	Status       AckStatus `json:"status"`
	ErrorCode    *string   `json:"error_code"`
	ErrorMessage *string   `json:"error_message"`
}

// Ack builds an acknowledgement for ref. The serial number and plant id are
// echoed from the inbound message; the device serial is used when the
// message carried none.
func (b *Builder) Ack(ref Header, status AckStatus) *Ack {
	serial := ref.SerialNum
	if serial == "" {
		serial = b.serial
	}

	env := b.Envelope(b.MsgID(PrefixAck), TypeAck, ref.PlantID)
	env.SerialNum = serial

	return &Ack{
		Envelope: env,
		RefMsgID: ref.MsgID,
		RefType:  ref.Type,
		Status:   status,
	}
}

// ErrorAck builds an ERROR acknowledgement with a code and optional message
func (b *Builder) ErrorAck(ref Header, code, msg string) *Ack {
	ack := b.Ack(ref, StatusError)
	ack.ErrorCode = &code
	if msg != "" {
		ack.ErrorMessage = &msg
	}
	return ack
}
