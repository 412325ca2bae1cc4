// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import "time"

// Packet represents a decoded controller frame
type Packet struct {
	ptype     uint8
	subtype   uint8
	payload   []byte
	checksum  uint8
	timestamp time.Time
}

// NewPacket creates a packet with the given fields. The payload is copied.
func NewPacket(ptype, subtype uint8, payload []byte) *Packet {
	p := &Packet{
		ptype:     ptype,
		subtype:   subtype,
		timestamp: time.Now(),
	}
	if len(payload) > 0 {
		p.payload = append([]byte(nil), payload...)
	}
	p.checksum = Checksum(ptype, subtype, p.payload)
	return p
}

// Type returns the packet type (TypeCommand, TypeData, TypeEvent)
func (p *Packet) Type() uint8 {
	return p.ptype
}

// Subtype returns the packet subtype
func (p *Packet) Subtype() uint8 {
	return p.subtype
}

// Payload returns the raw payload bytes (nil when empty)
func (p *Packet) Payload() []byte {
	return p.payload
}

// Length returns the payload length as carried on the wire
func (p *Packet) Length() uint8 {
	return uint8(len(p.payload))
}

// Checksum returns the frame checksum
func (p *Packet) Checksum() uint8 {
	return p.checksum
}

// Timestamp returns when the packet was decoded or built
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// Is reports whether the packet has the given type and subtype
func (p *Packet) Is(ptype, subtype uint8) bool {
	return p.ptype == ptype && p.subtype == subtype
}
