// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/control"
	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/journal"
	"github.com/ssukssuk/sprout/pkg/message"
)

// HandleConnect runs after every broker (re)connect: it reloads the state
// document and subscribes to the topics the state calls for
func (c *Controller) HandleConnect() {
	defer c.recoverPanic("connect")

	c.mu.Lock()
	if state, err := c.store.Load(); err != nil {
		c.logger.WithError(err).Warn("state reload failed, keeping cached state")
	} else {
		c.state = state
	}
	c.mu.Unlock()

	c.subMu.Lock()
	c.opsSubscribed = false
	c.subMu.Unlock()

	if err := c.bridge.Subscribe(c.topics.Claim, c.Deliver); err != nil {
		c.logger.WithError(err).Error("claim subscription failed")
	}
	c.syncSubscriptions()
}

// syncSubscriptions subscribes or drops the operational topics to match the
// current claim state
func (c *Controller) syncSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	claimed := c.state.IsClaimed()
	c.mu.Unlock()

	switch {
	case claimed:
		for _, topic := range c.topics.Operational() {
			if err := c.bridge.Subscribe(topic, c.Deliver); err != nil {
				c.logger.WithError(err).WithField("topic", topic).Error("subscription failed")
			}
		}
		c.opsSubscribed = true
	case c.opsSubscribed:
		if err := c.bridge.Unsubscribe(c.topics.Operational()...); err != nil {
			c.logger.WithError(err).Warn("unsubscribe failed")
		}
		c.opsSubscribed = false
	}
}

// HandleMessage dispatches one inbound control message by topic
func (c *Controller) HandleMessage(topic string, payload []byte) {
	defer c.recoverPanic("message")

	if len(payload) == 0 {
		return
	}
	logger := c.logger.WithField("topic", topic)

	hdr, err := message.ParseHeader(payload)
	if err != nil {
		logger.WithError(err).Warn("invalid json ignored")
		return
	}
	logger = logger.WithField("msg_id", hdr.MsgID)

	switch topic {
	case c.topics.Claim:
		c.handleControl(hdr, payload, c.handlers.Claim, c.afterClaim, logger)
	case c.topics.Binding:
		c.handleControl(hdr, payload, c.handlers.Binding, c.afterBinding, logger)
	case c.topics.Mode:
		c.handleControl(hdr, payload, c.handlers.Mode, nil, logger)
	case c.topics.UploadURL:
		c.startUpload(hdr, payload, logger)
	default:
		logger.Warn("unexpected topic ignored")
	}
}

type handlerFunc func([]byte) (control.Result, error)

// handleControl runs a state handler under mu, applies the transition side
// effects and publishes exactly one ack
func (c *Controller) handleControl(hdr message.Header, payload []byte, handle handlerFunc, after func(*device.State), logger *log.Entry) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	if c.duplicate(hdr, logger) {
		return
	}

	c.mu.Lock()
	res, err := handle(payload)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, control.ErrInvalidMessage) {
			logger.WithError(err).Warn("invalid control message dropped")
		} else {
			logger.WithError(err).Error("control message failed")
		}
		return
	}
	applied := res.State != nil
	if applied {
		c.state = res.State
		if after != nil {
			after(c.state)
		}
	}
	c.mu.Unlock()

	c.publish([]outbound{{c.topics.Ack, res.Ack}})
	c.remember(hdr, res.Ack, logger)

	if applied && hdr.Type == message.TypeClaimUpdate {
		c.syncSubscriptions()
	}
}

// afterClaim resets the episode and, when released, puts the hardware in
// a safe state. Caller holds mu.
func (c *Controller) afterClaim(s *device.State) {
	c.clearEpisode()
	if !s.IsClaimed() {
		c.logger.Info("unclaimed, LED off and pumps stopped")
		c.lastLEDMinute = time.Time{}
		c.led.Reset()
		c.safeState()
	}
}

// afterBinding resets the episode and the LED schedule. Caller holds mu.
func (c *Controller) afterBinding(s *device.State) {
	c.clearEpisode()
	c.lastLEDMinute = time.Time{}
	c.led.Reset()

	if s.IsBound() {
		c.logger.WithField("plant_id", s.Binding.PlantID).Info("bound, applying LED schedule")
		if err := c.led.Apply(s, c.Now()); err != nil {
			c.logger.WithError(err).Warn("LED schedule apply failed")
		}
		return
	}
	c.logger.Info("unbound, LED off and pumps stopped")
	c.safeState()
}

func (c *Controller) startUpload(hdr message.Header, payload []byte, logger *log.Entry) {
	if c.uploads == nil {
		logger.Warn("no upload worker configured, request ignored")
		return
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	if c.duplicate(hdr, logger) {
		return
	}
	if !c.claimUpload(hdr.MsgID) {
		logger.Info("upload already running for this msg_id, request ignored")
		return
	}

	logger.Info("upload request received, starting worker")
	c.uploadWG.Add(1)
	go func() {
		defer c.uploadWG.Done()
		defer c.releaseUpload(hdr.MsgID)
		defer c.recoverPanic("upload")

		ack, err := c.uploads.Handle(context.Background(), payload)
		if err != nil {
			logger.WithError(err).Warn("upload request dropped")
			return
		}
		c.publish([]outbound{{c.topics.Ack, ack}})
		c.remember(hdr, ack, logger)
	}()
}

// claimUpload marks msgID as running. It fails when the same msg_id is
// already being handled.
func (c *Controller) claimUpload(msgID string) bool {
	if msgID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploading[msgID] {
		return false
	}
	c.uploading[msgID] = true
	return true
}

func (c *Controller) releaseUpload(msgID string) {
	c.mu.Lock()
	delete(c.uploading, msgID)
	c.mu.Unlock()
}

// duplicate re-acks a message whose msg_id was already applied. Journal
// errors are logged and the message is treated as new.
func (c *Controller) duplicate(hdr message.Header, logger *log.Entry) bool {
	if c.journal == nil || hdr.MsgID == "" {
		return false
	}
	_, seen, err := c.journal.Seen(context.Background(), hdr.MsgID)
	if err != nil {
		logger.WithError(err).Warn("journal lookup failed")
		return false
	}
	if !seen {
		return false
	}
	logger.Info("duplicate message, re-acking")
	c.publish([]outbound{{c.topics.Ack, c.builder.Ack(hdr, message.StatusDroppedDuplicate)}})
	return true
}

// remember records an OK ack in the journal
func (c *Controller) remember(hdr message.Header, ack *message.Ack, logger *log.Entry) {
	if c.journal == nil || hdr.MsgID == "" || ack.Status != message.StatusOK {
		return
	}
	err := c.journal.Record(context.Background(), journal.Entry{
		MsgID:     hdr.MsgID,
		MsgType:   hdr.Type,
		Status:    string(ack.Status),
		HandledAt: c.Now(),
	})
	if err != nil {
		logger.WithError(err).Warn("journal record failed")
	}
}
