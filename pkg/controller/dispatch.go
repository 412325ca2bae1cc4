// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import "context"

type inbound struct {
	topic   string
	payload []byte
}

// Deliver queues an inbound message for the dispatcher and returns
// immediately. It is the handler given to the broker client, so the client's
// router never waits on a publish made while handling a message.
func (c *Controller) Deliver(topic string, payload []byte) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, inbound{topic: topic, payload: append([]byte(nil), payload...)})
	c.inboxMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch handles queued messages one at a time, in delivery order, until
// ctx is cancelled
func (c *Controller) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
		for ctx.Err() == nil {
			msg, ok := c.next()
			if !ok {
				break
			}
			c.HandleMessage(msg.topic, msg.payload)
		}
	}
}

func (c *Controller) next() (inbound, bool) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if len(c.inbox) == 0 {
		return inbound{}, false
	}
	msg := c.inbox[0]
	c.inbox[0] = inbound{}
	c.inbox = c.inbox[1:]
	return msg, true
}
