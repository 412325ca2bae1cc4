// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ssukssuk/sprout/pkg/cloud"
	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/journal"
	"github.com/ssukssuk/sprout/pkg/led"
	"github.com/ssukssuk/sprout/pkg/message"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeLink struct {
	mu      sync.Mutex
	sent    []uint8
	batches [][]*uart.Packet
}

func (l *fakeLink) Send(subtype uint8, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, subtype)
	return nil
}

func (l *fakeLink) Poll() []*uart.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		return nil
	}
	b := l.batches[0]
	l.batches = l.batches[1:]
	return b
}

func (l *fakeLink) push(packets ...*uart.Packet) {
	l.mu.Lock()
	l.batches = append(l.batches, packets)
	l.mu.Unlock()
}

func (l *fakeLink) count(subtype uint8) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sent {
		if s == subtype {
			n++
		}
	}
	return n
}

func (l *fakeLink) log() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint8(nil), l.sent...)
}

func (l *fakeLink) reset() {
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
}

type published struct {
	topic string
	msg   any
}

type fakeBridge struct {
	mu           sync.Mutex
	connected    bool
	pubs         []published
	subs         map[string]cloud.Handler
	unsubscribed []string
	disconnected bool

	// onSubscribe runs before a subscription is recorded
	onSubscribe func(topic string)
}

func newFakeBridge(connected bool) *fakeBridge {
	return &fakeBridge{connected: connected, subs: make(map[string]cloud.Handler)}
}

func (b *fakeBridge) Publish(topic string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, published{topic, v})
	return nil
}

func (b *fakeBridge) Subscribe(topic string, h cloud.Handler) error {
	if b.onSubscribe != nil {
		b.onSubscribe(topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *fakeBridge) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs, t)
		b.unsubscribed = append(b.unsubscribed, t)
	}
	return nil
}

func (b *fakeBridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBridge) Disconnect(time.Duration) {
	b.mu.Lock()
	b.disconnected = true
	b.connected = false
	b.mu.Unlock()
}

func (b *fakeBridge) on(topic string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, p := range b.pubs {
		if p.topic == topic {
			out = append(out, p.msg)
		}
	}
	return out
}

func (b *fakeBridge) uplinks(topic string) []*message.SensorUplink {
	var out []*message.SensorUplink
	for _, m := range b.on(topic) {
		out = append(out, m.(*message.SensorUplink))
	}
	return out
}

func (b *fakeBridge) acks(topic string) []*message.Ack {
	var out []*message.Ack
	for _, m := range b.on(topic) {
		out = append(out, m.(*message.Ack))
	}
	return out
}

func (b *fakeBridge) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeUploads struct {
	ack   *message.Ack
	err   error
	panic bool
	block chan struct{}
	calls int
	mu    sync.Mutex
}

func (u *fakeUploads) Handle(context.Context, []byte) (*message.Ack, error) {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	if u.block != nil {
		<-u.block
	}
	if u.panic {
		panic("camera driver crashed")
	}
	return u.ack, u.err
}

type harness struct {
	ctrl   *Controller
	link   *fakeLink
	bridge *fakeBridge
	store  *device.MemoryStore
	led    *led.Scheduler
	topics cloud.Topics
}

type harnessOption func(*Deps)

func withJournal(t *testing.T) harnessOption {
	return func(d *Deps) {
		j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("journal.Open failed: %v", err)
		}
		t.Cleanup(func() { j.Close() })
		d.Journal = j
	}
}

func withUploads(u Uploads) harnessOption {
	return func(d *Deps) { d.Uploads = u }
}

func newHarness(t *testing.T, state *device.State, connected bool, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		link:   &fakeLink{},
		bridge: newFakeBridge(connected),
		store:  device.NewMemoryStore(state),
		topics: cloud.NewTopics("SN-1"),
	}
	h.led = led.New(h.link)

	b := message.NewBuilder("SN-1", time.UTC)
	b.Now = func() time.Time { return testNow }

	deps := Deps{
		Link:    h.link,
		Bridge:  h.bridge,
		Store:   h.store,
		Builder: b,
		LED:     h.led,
		Topics:  h.topics,
	}
	for _, o := range opts {
		o(&deps)
	}

	ctrl, err := New(deps, DefaultOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctrl.Now = func() time.Time { return testNow }
	ctrl.Sleep = func(time.Duration) {}
	h.ctrl = ctrl
	return h
}

var testNow = time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)

func operationalState(mode device.Mode) *device.State {
	s := device.DefaultState()
	s.Claim.State = device.Claimed
	s.Claim.UserID = device.NewID("42")
	s.Binding.State = device.Bound
	s.Binding.PlantID = device.NewID("7")
	start, end := 22, 6
	s.Binding.LEDTime = device.LEDTime{Start: &start, End: &end}
	s.Mode = mode
	return s
}

func event(subtype uint8) *uart.Packet {
	return uart.NewPacket(uart.TypeEvent, subtype, uart.EncodeReading(uart.Reading{
		Temperature: 22.5, Humidity: 55, NutrientConc: 30, WaterLevel: 10,
	}))
}

// ============================================================================
// Packet Tests
// ============================================================================

func TestScenario_PeriodicSensorUplink(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeManual), false)
	h.link.push(uart.NewPacket(uart.TypeData, uart.DataSensor, []byte{0xF0, 0x00, 0x90, 0x01, 0x32, 0x00, 0x50, 0x00}))

	h.ctrl.Tick(testNow)

	ups := h.bridge.uplinks(h.topics.Sensors)
	if len(ups) != 1 {
		t.Fatalf("expected 1 uplink, got %d", len(ups))
	}
	u := ups[0]
	want := message.SensorValues{Temperature: 24.0, Humidity: 40.0, NutrientConc: 50.0, WaterLevel: 80.0}
	if u.Values != want {
		t.Errorf("values = %+v, want %+v", u.Values, want)
	}
	if u.EventKind != message.EventPeriodic || u.TriggerSensorType != nil {
		t.Errorf("unexpected kind/trigger: %s %v", u.EventKind, u.TriggerSensorType)
	}
	if u.Seq != 1 {
		t.Errorf("seq = %d, want 1", u.Seq)
	}

	persisted, _ := h.store.Load()
	if persisted.Seq[device.SeqSensorUplink] != 1 {
		t.Errorf("sequence not persisted: %v", persisted.Seq)
	}
}

func TestPackets_IgnoredUnlessOperational(t *testing.T) {
	claimedOnly := device.DefaultState()
	claimedOnly.Claim.State = device.Claimed

	for name, state := range map[string]*device.State{"factory": device.DefaultState(), "claimed unbound": claimedOnly} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, state, true)
			h.link.push(
				uart.NewPacket(uart.TypeData, uart.DataSensor, make([]byte, 8)),
				event(uart.EvtWaterLow),
				event(uart.EvtWaterActionSuccess),
			)
			h.ctrl.Tick(testNow)

			if len(h.bridge.pubs) != 0 {
				t.Errorf("published %d messages while not operational", len(h.bridge.pubs))
			}
			if h.link.count(uart.CmdAutoRecovery) != 0 {
				t.Error("auto recovery sent while not operational")
			}
		})
	}
}

func TestAnomalyDedup(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)

	h.link.push(event(uart.EvtWaterLow), event(uart.EvtWaterLow))
	h.ctrl.Tick(testNow)

	ups := h.bridge.uplinks(h.topics.Sensors)
	if len(ups) != 1 || ups[0].EventKind != message.EventAnomalyDetected {
		t.Fatalf("expected exactly one ANOMALY_DETECTED, got %d", len(ups))
	}
	if *ups[0].TriggerSensorType != message.SensorWaterLevel {
		t.Errorf("trigger = %s", *ups[0].TriggerSensorType)
	}
	if n := h.link.count(uart.CmdAutoRecovery); n != 1 {
		t.Errorf("expected 1 AUTO_RECOVERY, got %d", n)
	}

	h.link.push(event(uart.EvtWaterRecoveryDone))
	h.ctrl.Tick(testNow)
	ups = h.bridge.uplinks(h.topics.Sensors)
	if len(ups) != 2 || ups[1].EventKind != message.EventRecoveryDone || *ups[1].TriggerSensorType != message.SensorWaterLevel {
		t.Fatalf("expected RECOVERY_DONE uplink, got %+v", ups)
	}
	if ups[1].Values.WaterLevel != 10 {
		t.Errorf("recovery values not taken from event payload: %+v", ups[1].Values)
	}
	if len(h.ctrl.OpenAnomalies()) != 0 {
		t.Error("anomaly still open after recovery")
	}

	h.link.push(event(uart.EvtWaterLow))
	h.ctrl.Tick(testNow)
	ups = h.bridge.uplinks(h.topics.Sensors)
	if len(ups) != 3 || ups[2].EventKind != message.EventAnomalyDetected {
		t.Fatalf("expected a new ANOMALY_DETECTED after recovery, got %d uplinks", len(ups))
	}
	if n := h.link.count(uart.CmdAutoRecovery); n != 2 {
		t.Errorf("expected 2 AUTO_RECOVERY in total, got %d", n)
	}
	if ups[0].Seq != 1 || ups[1].Seq != 2 || ups[2].Seq != 3 {
		t.Errorf("sequence not monotonic: %d %d %d", ups[0].Seq, ups[1].Seq, ups[2].Seq)
	}
}

func TestAnomaly_KindsAreIndependent(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	h.link.push(event(uart.EvtWaterLow), event(uart.EvtECLow), event(uart.EvtECHigh))
	h.ctrl.Tick(testNow)

	if n := len(h.bridge.uplinks(h.topics.Sensors)); n != 2 {
		t.Errorf("expected 2 anomaly uplinks, got %d", n)
	}
	if n := h.link.count(uart.CmdAutoRecovery); n != 2 {
		t.Errorf("expected one AUTO_RECOVERY per kind, got %d", n)
	}
}

func TestAutoRecovery_OnlyLowEventsInAutoMode(t *testing.T) {
	tests := []struct {
		name  string
		mode  device.Mode
		event uint8
		want  int
	}{
		{"auto water low", device.ModeAuto, uart.EvtWaterLow, 1},
		{"auto ec low", device.ModeAuto, uart.EvtECLow, 1},
		{"auto water high", device.ModeAuto, uart.EvtWaterHigh, 0},
		{"manual water low", device.ModeManual, uart.EvtWaterLow, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, operationalState(tt.mode), false)
			h.link.push(event(tt.event))
			h.ctrl.Tick(testNow)

			if n := h.link.count(uart.CmdAutoRecovery); n != tt.want {
				t.Errorf("AUTO_RECOVERY count = %d, want %d", n, tt.want)
			}
			if n := len(h.bridge.uplinks(h.topics.Sensors)); n != 1 {
				t.Errorf("expected 1 anomaly uplink, got %d", n)
			}
		})
	}
}

func TestActionResults(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	h.link.push(event(uart.EvtWaterActionSuccess), event(uart.EvtNutriPumpFail), event(uart.EvtSensorFail))
	h.ctrl.Tick(testNow)

	results := h.bridge.on(h.topics.ActionResult)
	if len(results) != 2 {
		t.Fatalf("expected 2 action results, got %d", len(results))
	}

	ok := results[0].(*message.ActionResult)
	if ok.ActionType != message.ActionWaterAdd || ok.ResultStatus != message.ResultSuccess || ok.Seq != 1 {
		t.Errorf("unexpected success result: %+v", ok)
	}

	fail := results[1].(*message.ActionResult)
	if fail.ActionType != message.ActionNutriAdd || fail.ResultStatus != message.ResultFail {
		t.Errorf("unexpected failure result: %+v", fail)
	}
	if fail.ErrorCode == nil || *fail.ErrorCode != uart.EvtNutriPumpFail {
		t.Errorf("error_code = %v, want %d", fail.ErrorCode, uart.EvtNutriPumpFail)
	}
	if fail.Seq != 2 {
		t.Errorf("seq = %d, want 2", fail.Seq)
	}
	if len(h.bridge.on(h.topics.Sensors)) != 0 {
		t.Error("SENSOR_FAIL must not be forwarded")
	}
}

func TestPackets_BadPayloadDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	h.link.push(
		uart.NewPacket(uart.TypeData, uart.DataSensor, []byte{1, 2}),
		uart.NewPacket(uart.TypeEvent, uart.EvtWaterLow, nil),
		uart.NewPacket(uart.TypeCommand, uart.CmdPong, nil),
		uart.NewPacket(uart.TypeData, uart.DataSensor, make([]byte, 8)),
	)
	h.ctrl.Tick(testNow)

	if n := len(h.bridge.uplinks(h.topics.Sensors)); n != 1 {
		t.Errorf("expected only the valid reading to be published, got %d", n)
	}
	if len(h.ctrl.OpenAnomalies()) != 0 {
		t.Error("anomaly opened from an undecodable event")
	}
}

// ============================================================================
// Loop Tests
// ============================================================================

func TestTick_BootSensorRequestOnce(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)

	h.ctrl.Tick(testNow)
	h.ctrl.Tick(testNow.Add(time.Second))
	if n := h.link.count(uart.CmdReqSensor); n != 1 {
		t.Fatalf("expected 1 boot REQ_SENSOR, got %d", n)
	}

	// a binding update re-arms it
	h.ctrl.HandleMessage(h.topics.Binding, []byte(`{"msg_id":"b1","type":"BINDING_UPDATE","plant_id":7,"binding_state":"BOUND","led_time":{"start":22,"end":6}}`))
	h.ctrl.Tick(testNow.Add(2 * time.Second))
	if n := h.link.count(uart.CmdReqSensor); n != 2 {
		t.Errorf("expected REQ_SENSOR after rebinding, got %d", n)
	}
}

func TestTick_NoBootRequestWhileDisconnected(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	h.ctrl.Tick(testNow)
	if n := h.link.count(uart.CmdReqSensor); n != 0 {
		t.Errorf("REQ_SENSOR sent without broker connection: %d", n)
	}
}

func TestTick_HourlySensorRequest(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	top := time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC)

	h.ctrl.Tick(top)
	h.ctrl.Tick(top.Add(30 * time.Second))
	h.ctrl.Tick(top.Add(2 * time.Minute))
	if n := h.link.count(uart.CmdReqSensor); n != 1 {
		t.Fatalf("expected 1 hourly REQ_SENSOR, got %d", n)
	}

	h.ctrl.Tick(top.Add(time.Hour))
	if n := h.link.count(uart.CmdReqSensor); n != 2 {
		t.Errorf("expected a second REQ_SENSOR the next hour, got %d", n)
	}
}

func TestTick_LEDAppliedOnMinuteChange(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	night := time.Date(2025, 5, 1, 21, 59, 0, 0, time.UTC)

	h.ctrl.Tick(night)
	h.ctrl.Tick(night.Add(10 * time.Second))
	if h.link.count(uart.CmdLEDOff) != 1 || h.link.count(uart.CmdLEDOn) != 0 {
		t.Fatalf("unexpected LED commands before window: %v", h.link.log())
	}

	h.ctrl.Tick(night.Add(time.Minute))
	h.ctrl.Tick(night.Add(time.Minute + time.Second))
	if h.link.count(uart.CmdLEDOn) != 1 {
		t.Errorf("expected exactly one LED_ON when the window opens, got %v", h.link.log())
	}
}

func TestTick_UnboundNeverAppliesSchedule(t *testing.T) {
	h := newHarness(t, device.DefaultState(), true)
	h.ctrl.Tick(testNow)
	if len(h.link.log()) != 0 {
		t.Errorf("commands sent for a factory device: %v", h.link.log())
	}
}

func TestRun_ReadyThenShutdown(t *testing.T) {
	h := newHarness(t, device.DefaultState(), true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sent := h.link.log()
	if len(sent) == 0 || sent[0] != uart.CmdReady {
		t.Fatalf("expected READY first, got %v", sent)
	}
	if h.link.count(uart.CmdClose) != 1 {
		t.Error("CLOSE not sent on shutdown")
	}
	if !h.bridge.disconnected {
		t.Error("bridge not disconnected")
	}
}

func TestShutdown_Order(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	h.ctrl.Shutdown()

	want := []uint8{uart.CmdClose, uart.CmdLEDOff, uart.CmdPumpWaterStop, uart.CmdPumpNutriStop}
	got := h.link.log()
	if len(got) != len(want) {
		t.Fatalf("shutdown sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shutdown sent %v, want %v", got, want)
		}
	}
	if h.led.Last() != led.Unknown {
		t.Errorf("LED scheduler state = %s, want UNKNOWN", h.led.Last())
	}
}

func TestHandleLinkReconnect(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), false)
	h.ctrl.Tick(testNow)
	h.link.reset()

	h.ctrl.HandleLinkReconnect()
	if got := h.link.log(); len(got) != 1 || got[0] != uart.CmdReady {
		t.Fatalf("expected READY after reconnect, got %v", got)
	}

	// the same minute is re-asserted after a reconnect
	h.ctrl.Tick(testNow.Add(time.Second))
	if h.link.count(uart.CmdLEDOff) != 1 {
		t.Errorf("LED not re-asserted after reconnect: %v", h.link.log())
	}
}

// ============================================================================
// Control Message Tests
// ============================================================================

func TestHandleConnect_SubscribesByState(t *testing.T) {
	h := newHarness(t, device.DefaultState(), true)
	h.ctrl.HandleConnect()

	if !h.bridge.subscribed(h.topics.Claim) {
		t.Fatal("claim topic not subscribed")
	}
	for _, topic := range h.topics.Operational() {
		if h.bridge.subscribed(topic) {
			t.Errorf("%s subscribed while unclaimed", topic)
		}
	}

	h.ctrl.HandleMessage(h.topics.Claim, []byte(`{"msg_id":"c1","type":"CLAIM_UPDATE","claim_state":"CLAIMED","user_id":42}`))
	for _, topic := range h.topics.Operational() {
		if !h.bridge.subscribed(topic) {
			t.Errorf("%s not subscribed after claim", topic)
		}
	}

	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 1 || acks[0].Status != message.StatusOK || acks[0].RefMsgID != "c1" {
		t.Errorf("unexpected acks: %+v", acks)
	}
	if s := h.ctrl.Snapshot(); !s.IsClaimed() || s.Mode != device.ModeAuto {
		t.Errorf("state after claim: %+v", s)
	}
}

func TestHandleConnect_ReloadsState(t *testing.T) {
	h := newHarness(t, device.DefaultState(), true)
	h.store.Save(operationalState(device.ModeManual))

	h.ctrl.HandleConnect()
	if s := h.ctrl.Snapshot(); !s.Operational() || s.Mode != device.ModeManual {
		t.Errorf("state not reloaded on connect: %+v", s)
	}
	if !h.bridge.subscribed(h.topics.Binding) {
		t.Error("operational topics not subscribed for a claimed device")
	}
}

func TestClaimReset(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeManual), true)
	h.ctrl.HandleConnect()
	h.link.push(event(uart.EvtWaterLow), event(uart.EvtECHigh))
	h.ctrl.Tick(testNow)
	if len(h.ctrl.OpenAnomalies()) != 2 {
		t.Fatal("setup: anomalies not open")
	}
	h.link.reset()

	h.ctrl.HandleMessage(h.topics.Claim, []byte(`{"msg_id":"c2","type":"CLAIM_UPDATE","claim_state":"UNCLAIMED"}`))

	s := h.ctrl.Snapshot()
	if s.IsClaimed() || s.IsBound() || s.Mode != device.ModeAuto {
		t.Errorf("claim reset incomplete: %+v", s)
	}
	if len(h.ctrl.OpenAnomalies()) != 0 {
		t.Error("anomaly bookkeeping not cleared")
	}
	for _, sub := range []uint8{uart.CmdLEDOff, uart.CmdPumpWaterStop, uart.CmdPumpNutriStop} {
		if h.link.count(sub) != 1 {
			t.Errorf("command 0x%02X not sent once: %v", sub, h.link.log())
		}
	}
	for _, topic := range h.topics.Operational() {
		if h.bridge.subscribed(topic) {
			t.Errorf("%s still subscribed after unclaim", topic)
		}
	}
	if !h.bridge.subscribed(h.topics.Claim) {
		t.Error("claim topic dropped")
	}

	// a fresh anomaly episode after re-claim and re-bind
	h.ctrl.HandleMessage(h.topics.Claim, []byte(`{"msg_id":"c3","type":"CLAIM_UPDATE","claim_state":"CLAIMED"}`))
	h.ctrl.HandleMessage(h.topics.Binding, []byte(`{"msg_id":"b3","type":"BINDING_UPDATE","plant_id":7,"binding_state":"BOUND"}`))
	h.link.push(event(uart.EvtWaterLow))
	h.ctrl.Tick(testNow)
	if len(h.ctrl.OpenAnomalies()) != 1 {
		t.Error("new anomaly not detected after re-claim")
	}
}

func TestBinding_BoundAppliesLEDImmediately(t *testing.T) {
	claimed := device.DefaultState()
	claimed.Claim.State = device.Claimed
	h := newHarness(t, claimed, true)
	h.ctrl.Now = func() time.Time { return time.Date(2025, 5, 1, 23, 0, 0, 0, time.UTC) }

	h.ctrl.HandleMessage(h.topics.Binding, []byte(`{"msg_id":"b1","type":"BINDING_UPDATE","plant_id":7,"species":3,
		"binding_state":"BOUND","led_time":{"start":22,"end":6},"ideal_ranges":{"water_level":{"min":20,"max":90}}}`))

	if h.link.count(uart.CmdLEDOn) != 1 {
		t.Errorf("expected LED_ON at 23:00, got %v", h.link.log())
	}
	s := h.ctrl.Snapshot()
	if !s.IsBound() || *s.Binding.PlantID != "7" || *s.Binding.IdealRanges[device.KeyWaterLevel].Min != 20 {
		t.Errorf("binding not applied: %+v", s.Binding)
	}
}

func TestBinding_UnboundSafeState(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	h.ctrl.HandleMessage(h.topics.Binding, []byte(`{"msg_id":"b2","type":"BINDING_UPDATE","binding_state":"UNBOUND"}`))

	for _, sub := range []uint8{uart.CmdLEDOff, uart.CmdPumpWaterStop, uart.CmdPumpNutriStop} {
		if h.link.count(sub) != 1 {
			t.Errorf("command 0x%02X not sent once: %v", sub, h.link.log())
		}
	}
	if h.ctrl.Snapshot().IsBound() {
		t.Error("still bound")
	}
}

func TestMode_IdempotentThroughController(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	saves := h.store.Saves()

	h.ctrl.HandleMessage(h.topics.Mode, []byte(`{"msg_id":"m1","type":"MODE_UPDATE","mode":"AUTO"}`))

	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 1 || acks[0].Status != message.StatusOK {
		t.Fatalf("unexpected acks: %+v", acks)
	}
	if h.store.Saves() != saves {
		t.Error("same-mode update wrote the state document")
	}

	h.ctrl.HandleMessage(h.topics.Mode, []byte(`{"msg_id":"m2","type":"MODE_UPDATE","mode":"MANUAL"}`))
	if h.ctrl.Snapshot().Mode != device.ModeManual {
		t.Error("mode not switched")
	}
}

func TestControl_InvalidMessagesGetNoAck(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)

	bodies := map[string]string{
		h.topics.Claim:   `{"msg_id":"x1","type":"CLAIM_UPDATE","claim_state":"MAYBE"}`,
		h.topics.Binding: `not json`,
		h.topics.Mode:    `{"msg_id":"x3","type":"MODE_UPDATE","mode":"TURBO"}`,
	}
	for topic, body := range bodies {
		h.ctrl.HandleMessage(topic, []byte(body))
	}
	h.ctrl.HandleMessage(h.topics.Mode, nil)
	h.ctrl.HandleMessage("devices/SN-1/control/unknown", []byte(`{}`))

	if len(h.bridge.pubs) != 0 {
		t.Errorf("published %d messages for invalid input", len(h.bridge.pubs))
	}
}

func TestControl_InternalErrorAck(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	h.store.SetErrors(nil, errors.New("disk full"))

	h.ctrl.HandleMessage(h.topics.Mode, []byte(`{"msg_id":"m1","type":"MODE_UPDATE","mode":"MANUAL"}`))

	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 1 || acks[0].Status != message.StatusError || *acks[0].ErrorCode != message.ErrCodeInternal {
		t.Fatalf("expected INTERNAL_ERROR ack, got %+v", acks)
	}
	if h.ctrl.Snapshot().Mode != device.ModeAuto {
		t.Error("cached state changed despite failed save")
	}
}

func TestControl_DuplicateReacked(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true, withJournal(t))
	body := []byte(`{"msg_id":"m1","type":"MODE_UPDATE","mode":"MANUAL"}`)

	h.ctrl.HandleMessage(h.topics.Mode, body)
	saves := h.store.Saves()
	h.ctrl.HandleMessage(h.topics.Mode, body)

	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 2 {
		t.Fatalf("expected 2 acks, got %d", len(acks))
	}
	if acks[0].Status != message.StatusOK || acks[1].Status != message.StatusDroppedDuplicate {
		t.Errorf("statuses = %s, %s", acks[0].Status, acks[1].Status)
	}
	if acks[1].RefMsgID != "m1" {
		t.Errorf("duplicate ack ref = %q", acks[1].RefMsgID)
	}
	if h.store.Saves() != saves {
		t.Error("duplicate was re-applied")
	}
}

func TestControl_ErrorAckNotJournaled(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true, withJournal(t))
	body := []byte(`{"msg_id":"m1","type":"MODE_UPDATE","mode":"MANUAL"}`)

	h.store.SetErrors(nil, errors.New("disk full"))
	h.ctrl.HandleMessage(h.topics.Mode, body)
	h.store.SetErrors(nil, nil)
	h.ctrl.HandleMessage(h.topics.Mode, body)

	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 2 || acks[1].Status != message.StatusOK {
		t.Errorf("retry after an error ack should be applied, got %+v", acks)
	}
}

// ============================================================================
// Upload Tests
// ============================================================================

func TestUpload_DispatchedAndAcked(t *testing.T) {
	ack := &message.Ack{RefMsgID: "u1", Status: message.StatusOK}
	uploads := &fakeUploads{ack: ack}
	h := newHarness(t, operationalState(device.ModeAuto), true, withUploads(uploads), withJournal(t))

	body := []byte(`{"msg_id":"u1","type":"UPLOAD_URL","items":[]}`)
	h.ctrl.HandleMessage(h.topics.UploadURL, body)
	h.ctrl.WaitUploads()

	if got := h.bridge.acks(h.topics.Ack); len(got) != 1 || got[0] != ack {
		t.Fatalf("upload ack not published: %+v", got)
	}

	h.ctrl.HandleMessage(h.topics.UploadURL, body)
	h.ctrl.WaitUploads()
	if uploads.calls != 1 {
		t.Errorf("duplicate upload re-run, calls = %d", uploads.calls)
	}
	if got := h.bridge.acks(h.topics.Ack); len(got) != 2 || got[1].Status != message.StatusDroppedDuplicate {
		t.Errorf("expected DROPPED_DUPLICATE re-ack, got %+v", got)
	}
}

func TestUpload_PanicRecovered(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true, withUploads(&fakeUploads{panic: true}))

	h.ctrl.HandleMessage(h.topics.UploadURL, []byte(`{"msg_id":"u1","type":"UPLOAD_URL"}`))
	h.ctrl.WaitUploads()

	if len(h.bridge.pubs) != 0 {
		t.Error("ack published after panic")
	}
	h.link.push(event(uart.EvtWaterLow))
	h.ctrl.Tick(testNow)
	if len(h.bridge.uplinks(h.topics.Sensors)) != 1 {
		t.Error("controller stopped working after an upload panic")
	}
}

func TestController_WaitUploadsBounded(t *testing.T) {
	uploads := &fakeUploads{ack: &message.Ack{Status: message.StatusOK}, block: make(chan struct{})}
	h := newHarness(t, operationalState(device.ModeAuto), true, withUploads(uploads))

	h.ctrl.HandleMessage(h.topics.UploadURL, []byte(`{"msg_id":"u9","type":"UPLOAD_URL","items":[]}`))

	if h.ctrl.waitUploads(20 * time.Millisecond) {
		t.Fatal("waitUploads returned true while an upload was blocked")
	}
	close(uploads.block)
	if !h.ctrl.waitUploads(2 * time.Second) {
		t.Fatal("waitUploads timed out after the upload finished")
	}
	if !h.ctrl.waitUploads(0) {
		t.Error("waitUploads(0) with nothing running returned false")
	}
}

func TestUpload_RedeliveryWhileRunningIgnored(t *testing.T) {
	uploads := &fakeUploads{ack: &message.Ack{RefMsgID: "u1", Status: message.StatusOK}, block: make(chan struct{})}
	h := newHarness(t, operationalState(device.ModeAuto), true, withUploads(uploads), withJournal(t))

	body := []byte(`{"msg_id":"u1","type":"UPLOAD_URL","items":[]}`)
	h.ctrl.HandleMessage(h.topics.UploadURL, body)
	h.ctrl.HandleMessage(h.topics.UploadURL, body)
	close(uploads.block)
	h.ctrl.WaitUploads()

	if uploads.calls != 1 {
		t.Errorf("upload started %d times for one msg_id", uploads.calls)
	}
	if got := h.bridge.acks(h.topics.Ack); len(got) != 1 || got[0].Status != message.StatusOK {
		t.Errorf("expected a single OK ack, got %+v", got)
	}
}

// ============================================================================
// Delivery Order Tests
// ============================================================================

func TestControl_ConcurrentClaimUpdatesKeepSubscriptionsInSync(t *testing.T) {
	h := newHarness(t, device.DefaultState(), true)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.bridge.onSubscribe = func(topic string) {
		if topic == h.topics.Binding {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	claimed := make(chan struct{})
	go func() {
		defer close(claimed)
		h.ctrl.HandleMessage(h.topics.Claim, []byte(`{"msg_id":"c1","type":"CLAIM_UPDATE","claim_state":"CLAIMED","user_id":42}`))
	}()
	<-entered

	unclaimed := make(chan struct{})
	go func() {
		defer close(unclaimed)
		h.ctrl.HandleMessage(h.topics.Claim, []byte(`{"msg_id":"c2","type":"CLAIM_UPDATE","claim_state":"UNCLAIMED"}`))
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, done := range []chan struct{}{claimed, unclaimed} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("claim update did not finish")
		}
	}

	if h.ctrl.Snapshot().IsClaimed() {
		t.Fatal("expected the device to end UNCLAIMED")
	}
	for _, topic := range h.topics.Operational() {
		if h.bridge.subscribed(topic) {
			t.Errorf("%s subscribed while unclaimed", topic)
		}
	}
	acks := h.bridge.acks(h.topics.Ack)
	if len(acks) != 2 || acks[0].RefMsgID != "c1" || acks[1].RefMsgID != "c2" {
		t.Errorf("acks out of order: %+v", acks)
	}
}

func TestDeliver_AppliedInArrivalOrder(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	const n = 20
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"msg_id":"b%d","type":"BINDING_UPDATE","plant_id":%d,"binding_state":"BOUND"}`, i, i+1)
		if i%2 == 1 {
			body = fmt.Sprintf(`{"msg_id":"b%d","type":"BINDING_UPDATE","binding_state":"UNBOUND"}`, i)
		}
		h.ctrl.Deliver(h.topics.Binding, []byte(body))
	}
	waitFor(t, "binding acks", func() bool { return len(h.bridge.acks(h.topics.Ack)) == n })

	if h.ctrl.Snapshot().IsBound() {
		t.Error("last update was UNBOUND but the device is bound")
	}
	for i, ack := range h.bridge.acks(h.topics.Ack) {
		if want := fmt.Sprintf("b%d", i); ack.RefMsgID != want {
			t.Fatalf("ack %d refers to %s, want %s", i, ack.RefMsgID, want)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandleConnect_SubscribesWithDeliver(t *testing.T) {
	h := newHarness(t, operationalState(device.ModeAuto), true)
	h.ctrl.HandleConnect()

	h.bridge.mu.Lock()
	handler := h.bridge.subs[h.topics.Mode]
	h.bridge.mu.Unlock()
	if handler == nil {
		t.Fatal("mode topic not subscribed")
	}

	handler(h.topics.Mode, []byte(`{"msg_id":"m1","type":"MODE_UPDATE","mode":"MANUAL"}`))
	if len(h.bridge.acks(h.topics.Ack)) != 0 {
		t.Fatal("message applied on the caller's goroutine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	waitFor(t, "mode ack", func() bool { return len(h.bridge.acks(h.topics.Ack)) == 1 })
	if h.ctrl.Snapshot().Mode != device.ModeManual {
		t.Error("queued mode update not applied")
	}
	cancel()
	<-done
}
