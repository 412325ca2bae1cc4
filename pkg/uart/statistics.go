// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Statistics tracks link packet and error counters. Safe for concurrent use.
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames    uint64
	ValidPackets   uint64
	ChecksumErrors uint64
	FramingErrors  uint64
	LengthErrors   uint64
	Anomalies      uint64
	DiscardedBytes uint64
	ReadErrors     uint64
	SentCommands   uint64
	WriteErrors    uint64
	Reconnects     uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// StatsSnapshot is a point-in-time copy of the counters
type StatsSnapshot struct {
	Elapsed        time.Duration
	TotalFrames    uint64
	ValidPackets   uint64
	ChecksumErrors uint64
	FramingErrors  uint64
	LengthErrors   uint64
	Anomalies      uint64
	DiscardedBytes uint64
	ReadErrors     uint64
	SentCommands   uint64
	WriteErrors    uint64
	Reconnects     uint64
	PacketRate     float64
	ErrorRate      float64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records the outcome of decoding one frame
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrChecksum):
			s.ChecksumErrors++
		case errors.Is(decodeErr, ErrLength), errors.Is(decodeErr, ErrShortFrame):
			s.LengthErrors++
		default:
			s.FramingErrors++
		}
		return
	}

	if len(validationErrors) > 0 {
		s.Anomalies++
		return
	}
	s.ValidPackets++
}

// AddDiscarded records bytes dropped while resynchronizing
func (s *Statistics) AddDiscarded(n uint64) {
	s.mu.Lock()
	s.DiscardedBytes += n
	s.mu.Unlock()
}

// AddReadError records a failed link read
func (s *Statistics) AddReadError() {
	s.mu.Lock()
	s.ReadErrors++
	s.mu.Unlock()
}

// AddSent records a command write and whether it failed
func (s *Statistics) AddSent(err error) {
	s.mu.Lock()
	if err != nil {
		s.WriteErrors++
	} else {
		s.SentCommands++
	}
	s.mu.Unlock()
}

// AddReconnect records a successful link reopen
func (s *Statistics) AddReconnect() {
	s.mu.Lock()
	s.Reconnects++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters with rates calculated
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calculateRates()
	return StatsSnapshot{
		Elapsed:        time.Since(s.StartTime),
		TotalFrames:    s.TotalFrames,
		ValidPackets:   s.ValidPackets,
		ChecksumErrors: s.ChecksumErrors,
		FramingErrors:  s.FramingErrors,
		LengthErrors:   s.LengthErrors,
		Anomalies:      s.Anomalies,
		DiscardedBytes: s.DiscardedBytes,
		ReadErrors:     s.ReadErrors,
		SentCommands:   s.SentCommands,
		WriteErrors:    s.WriteErrors,
		Reconnects:     s.Reconnects,
		PacketRate:     s.PacketRate,
		ErrorRate:      s.ErrorRate,
	}
}

// calculateRates calculates packet and error rates. Caller holds mu.
func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalFrames) / elapsed
		errorCount := s.ChecksumErrors + s.FramingErrors + s.LengthErrors
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	snap := s.Snapshot()

	var validPercent, checksumPercent float64
	if snap.TotalFrames > 0 {
		validPercent = float64(snap.ValidPackets) * 100.0 / float64(snap.TotalFrames)
		checksumPercent = float64(snap.ChecksumErrors) * 100.0 / float64(snap.TotalFrames)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", snap.Elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", snap.TotalFrames)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", snap.ValidPackets, validPercent)

	if snap.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", snap.ChecksumErrors, checksumPercent)
	}
	if snap.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d\n", snap.FramingErrors)
	}
	if snap.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d\n", snap.LengthErrors)
	}
	if snap.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", snap.Anomalies)
	}
	if snap.DiscardedBytes > 0 {
		result += fmt.Sprintf("Discarded Bytes: %8d\n", snap.DiscardedBytes)
	}
	if snap.ReadErrors > 0 || snap.WriteErrors > 0 {
		result += fmt.Sprintf("Read/Write Errs: %4d/%d\n", snap.ReadErrors, snap.WriteErrors)
	}
	if snap.Reconnects > 0 {
		result += fmt.Sprintf("Reconnects:      %8d\n", snap.Reconnects)
	}

	result += fmt.Sprintf("Commands Sent:   %8d\n", snap.SentCommands)
	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", snap.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", snap.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.TotalFrames = 0
	s.ValidPackets = 0
	s.ChecksumErrors = 0
	s.FramingErrors = 0
	s.LengthErrors = 0
	s.Anomalies = 0
	s.DiscardedBytes = 0
	s.ReadErrors = 0
	s.SentCommands = 0
	s.WriteErrors = 0
	s.Reconnects = 0
	s.PacketRate = 0
	s.ErrorRate = 0
}
