// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

// Parser splits a byte stream into raw frames.
//
// Bytes before an STX are dropped. Once STX is buffered the fourth byte
// gives the payload length and the parser collects exactly length+6 bytes
// before emitting the frame. Emitted frames are not validated; pass them to
// Decode. Each Parser owns its buffer, so independent instances never
// interfere.
type Parser struct {
	buffer    []byte
	expected  int // total frame size, 0 until the length byte is seen
	discarded uint64
}

// NewParser creates a new stream parser
func NewParser() *Parser {
	return &Parser{
		buffer: make([]byte, 0, MaxFrameSize),
	}
}

// Reset drops any partially accumulated frame
func (p *Parser) Reset() {
	p.buffer = p.buffer[:0]
	p.expected = 0
}

// Discarded returns the number of bytes dropped while hunting for STX
func (p *Parser) Discarded() uint64 {
	return p.discarded
}

// Pending returns the number of bytes buffered toward the next frame
func (p *Parser) Pending() int {
	return len(p.buffer)
}

// FeedByte processes a single byte. It returns a complete raw frame, or nil
// while the frame is incomplete.
func (p *Parser) FeedByte(b byte) []byte {
	if len(p.buffer) == 0 {
		if b != STX {
			p.discarded++
			return nil
		}
		p.buffer = append(p.buffer, b)
		return nil
	}

	p.buffer = append(p.buffer, b)
	if len(p.buffer) == 4 {
		p.expected = int(b) + FrameOverhead
	}

	if p.expected > 0 && len(p.buffer) == p.expected {
		frame := make([]byte, len(p.buffer))
		copy(frame, p.buffer)
		p.Reset()
		return frame
	}
	return nil
}

// Feed processes a chunk of bytes and returns every frame completed by it,
// in stream order
func (p *Parser) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if frame := p.FeedByte(b); frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}
