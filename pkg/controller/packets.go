// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package controller

import (
	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/message"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// anomaly describes a LOW/HIGH event
type anomaly struct {
	sensor message.SensorType
	low    bool
}

var anomalies = map[uint8]anomaly{
	uart.EvtWaterLow:  {message.SensorWaterLevel, true},
	uart.EvtWaterHigh: {message.SensorWaterLevel, false},
	uart.EvtECLow:     {message.SensorNutrientConc, true},
	uart.EvtECHigh:    {message.SensorNutrientConc, false},
}

func (c *Controller) handlePacket(p *uart.Packet) {
	defer c.recoverPanic("packet")

	c.mu.Lock()
	out := c.classify(p)
	c.mu.Unlock()

	c.publish(out)
}

// classify applies one packet to the bookkeeping and returns what to
// publish. Caller holds mu.
func (c *Controller) classify(p *uart.Packet) []outbound {
	logger := c.logger.WithField("subtype", uart.FormatSubtype(p.Type(), p.Subtype()))

	switch p.Type() {
	case uart.TypeData, uart.TypeEvent:
	default:
		logger.Debug("ignoring non-telemetry packet")
		return nil
	}
	if !c.state.Operational() {
		logger.Debug("not claimed and bound, packet ignored")
		return nil
	}

	if p.Type() == uart.TypeData {
		if p.Subtype() != uart.DataSensor {
			logger.Debug("unknown data packet ignored")
			return nil
		}
		values, ok := c.values(p, logger)
		if !ok {
			return nil
		}
		seq := c.bumpSeq(device.SeqSensorUplink)
		msg := c.builder.SensorUplink(c.state, values, message.EventPeriodic, "", seq)
		logger.WithField("seq", seq).Info("sensor uplink")
		return []outbound{{c.topics.Sensors, msg}}
	}

	switch sub := p.Subtype(); sub {
	case uart.EvtWaterActionSuccess, uart.EvtNutriActionSuccess:
		action := actionFor(sub)
		seq := c.bumpSeq(device.SeqActionResult)
		logger.WithField("action", action).Info("action succeeded")
		return []outbound{{c.topics.ActionResult, c.builder.ActionSuccess(c.state, action, seq)}}

	case uart.EvtWaterPumpFail, uart.EvtNutriPumpFail:
		action := actionFor(sub)
		seq := c.bumpSeq(device.SeqActionResult)
		logger.WithField("action", action).Warn("action failed")
		return []outbound{{c.topics.ActionResult, c.builder.ActionFailure(c.state, action, int(sub), seq)}}

	case uart.EvtWaterRecoveryDone, uart.EvtNutriRecoveryDone:
		trigger := message.SensorWaterLevel
		if sub == uart.EvtNutriRecoveryDone {
			trigger = message.SensorNutrientConc
		}
		delete(c.openAnomalies, trigger)
		delete(c.recoverySent, trigger)

		values, ok := c.values(p, logger)
		if !ok {
			return nil
		}
		seq := c.bumpSeq(device.SeqSensorUplink)
		logger.WithField("trigger", trigger).Info("recovery done")
		return []outbound{{c.topics.Sensors, c.builder.SensorUplink(c.state, values, message.EventRecoveryDone, trigger, seq)}}

	case uart.EvtSensorFail:
		logger.Warn("controller reported sensor failure")
		return nil
	}

	a, ok := anomalies[p.Subtype()]
	if !ok {
		logger.Debug("unknown event ignored")
		return nil
	}
	logger = logger.WithField("anomaly", a.sensor)
	if c.openAnomalies[a.sensor] {
		logger.Debug("anomaly already open, skipped")
		return nil
	}

	values, ok := c.values(p, logger)
	if !ok {
		return nil
	}
	c.openAnomalies[a.sensor] = true
	seq := c.bumpSeq(device.SeqSensorUplink)
	out := []outbound{{c.topics.Sensors, c.builder.SensorUplink(c.state, values, message.EventAnomalyDetected, a.sensor, seq)}}
	logger.Info("anomaly detected")

	if c.state.Mode == device.ModeAuto && a.low && !c.recoverySent[a.sensor] {
		c.recoverySent[a.sensor] = true
		c.send(uart.CmdAutoRecovery, "auto recovery")
		logger.Info("auto recovery requested")
	}
	return out
}

func (c *Controller) values(p *uart.Packet, logger *log.Entry) (message.SensorValues, bool) {
	r, err := uart.ParseReading(p.Payload())
	if err != nil {
		logger.WithError(err).Warn("bad sensor payload")
		return message.SensorValues{}, false
	}
	return message.ValuesFromReading(r), true
}

func actionFor(subtype uint8) message.ActionType {
	switch subtype {
	case uart.EvtWaterActionSuccess, uart.EvtWaterPumpFail:
		return message.ActionWaterAdd
	}
	return message.ActionNutriAdd
}
