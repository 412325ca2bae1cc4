// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package controller runs the appliance: it polls the controller board,
// turns its packets into telemetry, applies control messages from the
// cloud and keeps the LED on schedule.
//
// Two execution contexts meet here. The loop goroutine calls Tick on a fixed
// cadence, and the dispatcher goroutine applies control messages in the
// order the broker delivered them. Both go through mu, which guards the
// cached device state and the anomaly bookkeeping. Outbound messages are
// published after mu is released.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/cloud"
	"github.com/ssukssuk/sprout/pkg/control"
	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/journal"
	"github.com/ssukssuk/sprout/pkg/led"
	"github.com/ssukssuk/sprout/pkg/message"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// Link is the controller board connection
type Link interface {
	Send(subtype uint8, payload []byte) error
	Poll() []*uart.Packet
}

// Bridge is the cloud messaging connection
type Bridge interface {
	Publish(topic string, v any) error
	Subscribe(topic string, h cloud.Handler) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
	Disconnect(quiesce time.Duration)
}

// Journal remembers acknowledged control messages
type Journal interface {
	Seen(ctx context.Context, msgID string) (journal.Entry, bool, error)
	Record(ctx context.Context, e journal.Entry) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Uploads handles UPLOAD_URL requests
type Uploads interface {
	Handle(ctx context.Context, data []byte) (*message.Ack, error)
}

// Options tunes the loop
type Options struct {
	// Tick is the pause between loop iterations
	Tick time.Duration
	// CloseDelay is how long shutdown waits after CLOSE before the safe
	// state commands
	CloseDelay time.Duration
	// Retention is how long journal entries are kept
	Retention time.Duration
	// PruneEvery is how often the journal is pruned
	PruneEvery time.Duration
	// UploadGrace bounds how long shutdown waits for running uploads
	UploadGrace time.Duration
}

// DefaultOptions returns the standard cadence
func DefaultOptions() Options {
	return Options{
		Tick:        200 * time.Millisecond,
		CloseDelay:  100 * time.Millisecond,
		Retention:   7 * 24 * time.Hour,
		PruneEvery:  time.Hour,
		UploadGrace: 30 * time.Second,
	}
}

// Deps are the controller's collaborators. Journal and Uploads may be nil.
type Deps struct {
	Link    Link
	Bridge  Bridge
	Store   device.Store
	Builder *message.Builder
	LED     *led.Scheduler
	Journal Journal
	Uploads Uploads
	Topics  cloud.Topics
}

type outbound struct {
	topic string
	msg   any
}

// Controller is the orchestration loop
type Controller struct {
	link     Link
	bridge   Bridge
	store    device.Store
	builder  *message.Builder
	handlers *control.Handlers
	led      *led.Scheduler
	journal  Journal
	uploads  Uploads
	topics   cloud.Topics
	opts     Options
	logger   *log.Entry

	mu             sync.Mutex
	state          *device.State
	openAnomalies  map[message.SensorType]bool
	recoverySent   map[message.SensorType]bool
	bootSensorSent bool
	lastLEDMinute  time.Time
	lastHourSent   int
	lastPrune      time.Time
	uploading      map[string]bool

	// applyMu serialises journal lookup, apply and record per message
	applyMu sync.Mutex

	// subMu guards opsSubscribed and the broker subscription calls
	subMu         sync.Mutex
	opsSubscribed bool

	inboxMu sync.Mutex
	inbox   []inbound
	wake    chan struct{}

	uploadWG sync.WaitGroup

	// Now and Sleep are replaceable for tests
	Now   func() time.Time
	Sleep func(time.Duration)
}

// New loads the device state, creating the default document when none
// exists, and returns a controller ready to Run
func New(deps Deps, opts Options) (*Controller, error) {
	state, err := device.LoadOrInit(deps.Store)
	if err != nil {
		return nil, fmt.Errorf("load device state: %w", err)
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions().Tick
	}

	return &Controller{
		link:          deps.Link,
		bridge:        deps.Bridge,
		store:         deps.Store,
		builder:       deps.Builder,
		handlers:      control.New(deps.Store, deps.Builder),
		led:           deps.LED,
		journal:       deps.Journal,
		uploads:       deps.Uploads,
		topics:        deps.Topics,
		opts:          opts,
		logger:        log.WithField("component", "controller"),
		state:         state,
		openAnomalies: make(map[message.SensorType]bool),
		recoverySent:  make(map[message.SensorType]bool),
		uploading:     make(map[string]bool),
		wake:          make(chan struct{}, 1),
		lastHourSent:  -1,
		Now:           time.Now,
		Sleep:         time.Sleep,
	}, nil
}

// Snapshot returns a copy of the cached device state
func (c *Controller) Snapshot() *device.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// OpenAnomalies reports which anomaly kinds are currently open
func (c *Controller) OpenAnomalies() []message.SensorType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var open []message.SensorType
	for _, k := range []message.SensorType{message.SensorWaterLevel, message.SensorNutrientConc} {
		if c.openAnomalies[k] {
			open = append(open, k)
		}
	}
	return open
}

// Run sends READY, starts the message dispatcher, then ticks until ctx is
// cancelled and runs the shutdown sequence
func (c *Controller) Run(ctx context.Context) error {
	c.send(uart.CmdReady, "boot ready")
	c.logger.Info("controller loop started")

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		c.dispatch(ctx)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			<-dispatched
			if !c.waitUploads(c.opts.UploadGrace) {
				c.logger.Warn("uploads still running at shutdown")
			}
			c.Shutdown()
			return nil
		case <-timer.C:
		}
		c.Tick(c.Now())
		timer.Reset(c.opts.Tick)
	}
}

// Tick runs one loop iteration at now
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	state := c.state
	if state.IsBound() {
		minute := now.Truncate(time.Minute)
		if !minute.Equal(c.lastLEDMinute) {
			if err := c.led.Apply(state, now); err != nil {
				c.logger.WithError(err).Warn("LED schedule apply failed")
			}
			c.lastLEDMinute = minute
		}
	}
	if !c.bootSensorSent && state.Operational() && c.bridge.IsConnected() {
		c.send(uart.CmdReqSensor, "initial sensor request")
		c.bootSensorSent = true
	}
	c.mu.Unlock()

	for _, p := range c.link.Poll() {
		c.handlePacket(p)
	}

	c.mu.Lock()
	if c.state.Operational() && now.Minute() == 0 && c.lastHourSent != now.Hour() {
		c.send(uart.CmdReqSensor, "hourly sensor request")
		c.lastHourSent = now.Hour()
	}
	c.mu.Unlock()

	c.pruneJournal(now)
}

// HandleLinkReconnect re-announces the host after the serial link comes
// back and forces the LED to be re-asserted
func (c *Controller) HandleLinkReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.send(uart.CmdReady, "ready after reconnect")
	c.led.Reset()
	c.lastLEDMinute = time.Time{}
}

// Shutdown tells the controller board to quiesce, puts the hardware in a
// safe state and disconnects from the broker. Failures are logged only.
func (c *Controller) Shutdown() {
	c.logger.Info("shutting down")

	c.mu.Lock()
	c.send(uart.CmdClose, "close")
	c.mu.Unlock()
	c.Sleep(c.opts.CloseDelay)

	c.mu.Lock()
	c.led.Reset()
	c.safeState()
	c.mu.Unlock()

	c.bridge.Disconnect(250 * time.Millisecond)
}

// WaitUploads blocks until every started upload has finished
func (c *Controller) WaitUploads() {
	c.uploadWG.Wait()
}

// waitUploads waits at most grace for running uploads
func (c *Controller) waitUploads(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.uploadWG.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// safeState turns the LED off and stops both pumps. Caller holds mu.
func (c *Controller) safeState() {
	if err := c.led.ForceOff(); err != nil {
		c.logger.WithError(err).Warn("LED off failed")
	}
	c.send(uart.CmdPumpWaterStop, "water pump stop")
	c.send(uart.CmdPumpNutriStop, "nutrient pump stop")
}

// clearEpisode forgets open anomalies and sent recoveries. Caller holds mu.
func (c *Controller) clearEpisode() {
	clear(c.openAnomalies)
	clear(c.recoverySent)
	c.bootSensorSent = false
}

// send writes a command and logs failures. Caller holds mu.
func (c *Controller) send(subtype uint8, what string) {
	if err := c.link.Send(subtype, nil); err != nil {
		c.logger.WithError(err).WithField("command", what).Warn("command not sent")
		return
	}
	c.logger.WithField("command", what).Debug("command sent")
}

func (c *Controller) publish(out []outbound) {
	for _, o := range out {
		if err := c.bridge.Publish(o.topic, o.msg); err != nil {
			c.logger.WithError(err).WithField("topic", o.topic).Warn("publish failed")
		}
	}
}

// bumpSeq advances and persists a sequence counter. Caller holds mu.
func (c *Controller) bumpSeq(kind string) uint64 {
	seq := c.state.NextSeq(kind)
	if err := c.store.Save(c.state); err != nil {
		c.logger.WithError(err).WithField("seq", kind).Warn("failed to persist sequence")
	}
	return seq
}

func (c *Controller) pruneJournal(now time.Time) {
	if c.journal == nil || c.opts.PruneEvery <= 0 {
		return
	}
	if !c.lastPrune.IsZero() && now.Sub(c.lastPrune) < c.opts.PruneEvery {
		return
	}
	c.lastPrune = now
	n, err := c.journal.Prune(context.Background(), now.Add(-c.opts.Retention))
	if err != nil {
		c.logger.WithError(err).Warn("journal prune failed")
		return
	}
	if n > 0 {
		c.logger.WithField("pruned", n).Debug("journal pruned")
	}
}

func (c *Controller) recoverPanic(where string) {
	if r := recover(); r != nil {
		c.logger.WithField("where", where).Errorf("recovered from panic: %v", r)
	}
}
