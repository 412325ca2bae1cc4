// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"errors"
	"fmt"
)

// Decode errors
var (
	ErrShortFrame = errors.New("frame too short")
	ErrFraming    = errors.New("bad frame markers")
	ErrLength     = errors.New("frame length mismatch")
	ErrChecksum   = errors.New("checksum mismatch")
)

// Checksum computes the XOR checksum over type, subtype, length and payload
func Checksum(ptype, subtype uint8, payload []byte) uint8 {
	chk := ptype ^ subtype ^ uint8(len(payload))
	for _, b := range payload {
		chk ^= b
	}
	return chk
}

// Encode builds a wire frame. The length byte is len(payload) truncated to
// 8 bits; callers keep payloads within MaxPayloadSize.
func Encode(ptype, subtype uint8, payload []byte) []byte {
	frame := make([]byte, 0, FrameOverhead+len(payload))
	frame = append(frame, STX, ptype, subtype, uint8(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, Checksum(ptype, subtype, payload), ETX)
	return frame
}

// EncodePacket builds the wire frame for p
func EncodePacket(p *Packet) []byte {
	return Encode(p.ptype, p.subtype, p.payload)
}

// Decode validates one complete frame and returns its packet.
// A frame is rejected as a whole; no partial packet is ever returned.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < FrameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != STX || frame[len(frame)-1] != ETX {
		return nil, fmt.Errorf("%w: start=0x%02X end=0x%02X", ErrFraming, frame[0], frame[len(frame)-1])
	}

	length := int(frame[3])
	if len(frame) != length+FrameOverhead {
		return nil, fmt.Errorf("%w: declared %d, frame carries %d", ErrLength, length, len(frame)-FrameOverhead)
	}

	payload := frame[4 : 4+length]
	expected := Checksum(frame[1], frame[2], payload)
	received := frame[4+length]
	if expected != received {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, expected, received)
	}

	return NewPacket(frame[1], frame[2], payload), nil
}
