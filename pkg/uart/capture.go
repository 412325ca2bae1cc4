// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Capture directions
const (
	DirRX = "rx"
	DirTX = "tx"
)

// CaptureRecord is one raw frame in a capture file. Records are stored as a
// CBOR sequence with integer keys.
type CaptureRecord struct {
	UnixNano  int64  `cbor:"1,keyasint"`
	Direction string `cbor:"2,keyasint"`
	Frame     []byte `cbor:"3,keyasint"`
}

// Time returns the record timestamp
func (r CaptureRecord) Time() time.Time {
	return time.Unix(0, r.UnixNano)
}

// CaptureWriter appends frames to a capture stream. Safe for concurrent use.
type CaptureWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

// NewCaptureWriter wraps w
func NewCaptureWriter(w io.Writer) *CaptureWriter {
	return &CaptureWriter{enc: cbor.NewEncoder(w)}
}

// Write records one frame
func (c *CaptureWriter) Write(direction string, frame []byte, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := CaptureRecord{
		UnixNano:  at.UnixNano(),
		Direction: direction,
		Frame:     frame,
	}
	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to encode capture record: %w", err)
	}
	return nil
}

// CaptureReader reads records written by CaptureWriter
type CaptureReader struct {
	dec *cbor.Decoder
}

// NewCaptureReader wraps r
func NewCaptureReader(r io.Reader) *CaptureReader {
	return &CaptureReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream
func (c *CaptureReader) Next() (CaptureRecord, error) {
	var rec CaptureRecord
	if err := c.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return CaptureRecord{}, io.EOF
		}
		return CaptureRecord{}, fmt.Errorf("failed to decode capture record: %w", err)
	}
	return rec, nil
}
