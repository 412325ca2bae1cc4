// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package led drives the grow light from the bound plant's daily window.
package led

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// Commander sends a controller command
type Commander interface {
	Send(subtype uint8, payload []byte) error
}

// State is the last LED state the scheduler commanded
type State int

const (
	Unknown State = iota
	On
	Off
)

func (s State) String() string {
	switch s {
	case On:
		return "ON"
	case Off:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// Scheduler issues LED commands only when the desired state differs from
// the last one it sent. All LED commands in the process go through it, so
// its view of the hardware is never stale. Safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	link   Commander
	last   State
	logger *log.Entry
}

// New creates a scheduler sending through link
func New(link Commander) *Scheduler {
	return &Scheduler{
		link:   link,
		logger: log.WithField("component", "led"),
	}
}

// Last returns the last commanded state
func (s *Scheduler) Last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Reset forgets the last commanded state so the next Apply re-asserts it
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.last = Unknown
	s.mu.Unlock()
}

// Apply commands the LED for now. An unbound device is always off.
func (s *Scheduler) Apply(state *device.State, now time.Time) error {
	want := Off
	if state.IsBound() {
		t := state.Binding.LEDTime
		if InWindow(now.Hour(), t.Start, t.End) {
			want = On
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == want {
		return nil
	}
	return s.send(want)
}

// ForceOff turns the LED off regardless of schedule and leaves the
// scheduler in Unknown, so the next Apply re-asserts the schedule
func (s *Scheduler) ForceOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.send(Off)
	s.last = Unknown
	return err
}

// send issues the command and records it. Caller holds mu.
// A failed send leaves the last state untouched so the next Apply retries.
func (s *Scheduler) send(want State) error {
	subtype := uint8(uart.CmdLEDOff)
	if want == On {
		subtype = uart.CmdLEDOn
	}
	if err := s.link.Send(subtype, nil); err != nil {
		s.logger.WithError(err).WithField("want", want).Warn("LED command failed")
		return err
	}
	s.last = want
	s.logger.WithField("state", want).Info("LED commanded")
	return nil
}

// InWindow reports whether hour falls in [start, end). A window with
// start > end wraps past midnight. Unset or equal bounds are never on.
func InWindow(hour int, start, end *int) bool {
	if start == nil || end == nil || *start == *end {
		return false
	}
	if *start < *end {
		return hour >= *start && hour < *end
	}
	return hour >= *start || hour < *end
}
