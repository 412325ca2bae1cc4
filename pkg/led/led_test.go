// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package led

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// ============================================================
// Test Helpers
// ============================================================

type recorder struct {
	mu   sync.Mutex
	sent []uint8
	err  error
}

func (r *recorder) Send(subtype uint8, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, subtype)
	return nil
}

func (r *recorder) Sent() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.sent...)
}

func intPtr(v int) *int { return &v }

func boundWindow(start, end *int) *device.State {
	s := device.DefaultState()
	s.Claim.State = device.Claimed
	s.Binding.State = device.Bound
	s.Binding.PlantID = device.NewID("1")
	s.Binding.LEDTime = device.LEDTime{Start: start, End: end}
	return s
}

func at(hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 30, 0, 0, time.Local)
}

// ============================================================
// Window Tests
// ============================================================

func TestInWindow_Wrap(t *testing.T) {
	on := map[int]bool{22: true, 23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true}
	for h := 0; h < 24; h++ {
		if got := InWindow(h, intPtr(22), intPtr(6)); got != on[h] {
			t.Errorf("hour %d: expected %v, got %v", h, on[h], got)
		}
	}
}

func TestInWindow_SameDay(t *testing.T) {
	for h := 0; h < 24; h++ {
		want := h >= 6 && h < 18
		if got := InWindow(h, intPtr(6), intPtr(18)); got != want {
			t.Errorf("hour %d: expected %v, got %v", h, want, got)
		}
	}
}

func TestInWindow_Degenerate(t *testing.T) {
	for h := 0; h < 24; h++ {
		if InWindow(h, intPtr(7), intPtr(7)) {
			t.Errorf("start=end must be off at hour %d", h)
		}
		if InWindow(h, nil, intPtr(7)) || InWindow(h, intPtr(7), nil) {
			t.Errorf("unset bound must be off at hour %d", h)
		}
	}
}

// ============================================================
// Scheduler Tests
// ============================================================

func TestScheduler_IdempotentWithinWindow(t *testing.T) {
	r := &recorder{}
	s := New(r)
	state := boundWindow(intPtr(6), intPtr(20))

	for i := 0; i < 5; i++ {
		if err := s.Apply(state, at(10)); err != nil {
			t.Fatal(err)
		}
	}
	if sent := r.Sent(); len(sent) != 1 || sent[0] != uart.CmdLEDOn {
		t.Errorf("expected exactly one LED_ON, got %v", sent)
	}

	s.Apply(state, at(21))
	s.Apply(state, at(22))
	if sent := r.Sent(); len(sent) != 2 || sent[1] != uart.CmdLEDOff {
		t.Errorf("expected one LED_OFF on leaving window, got %v", sent)
	}
}

func TestScheduler_ResetReasserts(t *testing.T) {
	r := &recorder{}
	s := New(r)
	state := boundWindow(intPtr(6), intPtr(20))

	s.Apply(state, at(10))
	s.Reset()
	if s.Last() != Unknown {
		t.Errorf("expected Unknown after reset, got %s", s.Last())
	}
	s.Apply(state, at(10))
	if sent := r.Sent(); len(sent) != 2 || sent[1] != uart.CmdLEDOn {
		t.Errorf("expected LED_ON re-asserted after reset, got %v", sent)
	}
}

func TestScheduler_UnboundIsOff(t *testing.T) {
	r := &recorder{}
	s := New(r)

	state := device.DefaultState()
	s.Apply(state, at(10))
	s.Apply(state, at(11))
	if sent := r.Sent(); len(sent) != 1 || sent[0] != uart.CmdLEDOff {
		t.Errorf("expected single LED_OFF for unbound device, got %v", sent)
	}
}

func TestScheduler_ForceOff(t *testing.T) {
	r := &recorder{}
	s := New(r)
	state := boundWindow(intPtr(0), intPtr(23))

	s.Apply(state, at(12))
	if err := s.ForceOff(); err != nil {
		t.Fatal(err)
	}
	if s.Last() != Unknown {
		t.Errorf("ForceOff should leave Unknown, got %s", s.Last())
	}
	s.Apply(state, at(12))

	want := []uint8{uart.CmdLEDOn, uart.CmdLEDOff, uart.CmdLEDOn}
	sent := r.Sent()
	if len(sent) != len(want) {
		t.Fatalf("expected %v, got %v", want, sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("command %d: expected 0x%02X, got 0x%02X", i, want[i], sent[i])
		}
	}
}

func TestScheduler_SendFailureRetries(t *testing.T) {
	r := &recorder{err: errors.New("port closed")}
	s := New(r)
	state := boundWindow(intPtr(6), intPtr(20))

	if err := s.Apply(state, at(10)); err == nil {
		t.Fatal("expected send error")
	}
	if s.Last() != Unknown {
		t.Errorf("failed send must not update state, got %s", s.Last())
	}

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	s.Apply(state, at(10))
	if sent := r.Sent(); len(sent) != 1 || sent[0] != uart.CmdLEDOn {
		t.Errorf("expected retry to send LED_ON, got %v", sent)
	}
}

func TestScheduler_Concurrent(t *testing.T) {
	r := &recorder{}
	s := New(r)
	state := boundWindow(intPtr(6), intPtr(20))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Apply(state, at(10))
		}()
	}
	wg.Wait()

	if sent := r.Sent(); len(sent) != 1 {
		t.Errorf("concurrent applies should send once, got %v", sent)
	}
}
