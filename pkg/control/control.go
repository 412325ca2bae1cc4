// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package control applies inbound claim, binding and mode messages to the
// persisted device state.
//
// Every handler first validates the message shape. A malformed message is
// returned as an error wrapping ErrInvalidMessage and gets no ack. Once
// validated, the handler reloads the state document, applies the
// transition and saves it. Any failure from that point on becomes an ERROR
// ack with INTERNAL_ERROR, so a valid message always gets exactly one ack.
package control

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ssukssuk/sprout/pkg/device"
	"github.com/ssukssuk/sprout/pkg/message"
)

// ErrInvalidMessage marks input that failed validation
var ErrInvalidMessage = errors.New("invalid control message")

// Result is the outcome of handling one valid message
type Result struct {
	Ack *message.Ack

	// State is the document after the transition. It is nil when an
	// internal error prevented the transition.
	State *device.State

	// Changed is true when the document was written
	Changed bool
}

// Handlers applies control messages
type Handlers struct {
	store   device.Store
	builder *message.Builder
	logger  *log.Entry
}

// New creates handlers over store
func New(store device.Store, builder *message.Builder) *Handlers {
	return &Handlers{
		store:   store,
		builder: builder,
		logger:  log.WithField("component", "control"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// checkHeader validates the fields every control message needs
func checkHeader(h message.Header, wantType string) error {
	if h.Type != wantType {
		return invalid("expected type %s, got %q", wantType, h.Type)
	}
	if h.MsgID == "" {
		return invalid("missing msg_id")
	}
	return nil
}

// commit reloads the document, applies mutate and saves the result.
// mutate returns false when nothing needs saving. A non-nil check runs
// against the reloaded document first; its error drops the message.
func (h *Handlers) commit(ref message.Header, check func(*device.State) error, mutate func(*device.State) bool) (Result, error) {
	logger := h.logger.WithFields(log.Fields{"msg_id": ref.MsgID, "type": ref.Type})

	state, err := h.store.Load()
	if err != nil {
		logger.WithError(err).Error("Failed to load state")
		return h.internalError(ref, err), nil
	}
	if check != nil {
		if err := check(state); err != nil {
			return Result{}, err
		}
	}

	if !mutate(state) {
		return Result{Ack: h.builder.Ack(ref, message.StatusOK), State: state}, nil
	}

	if err := state.Validate(); err != nil {
		logger.WithError(err).Error("Transition rejected")
		return h.internalError(ref, err), nil
	}
	if err := h.store.Save(state); err != nil {
		logger.WithError(err).Error("Failed to save state")
		return h.internalError(ref, err), nil
	}

	return Result{Ack: h.builder.Ack(ref, message.StatusOK), State: state, Changed: true}, nil
}

// requireClaimed rejects binding a plant to an unclaimed device
func requireClaimed(s *device.State) error {
	if !s.IsClaimed() {
		return invalid("BOUND while unclaimed")
	}
	return nil
}

func (h *Handlers) internalError(ref message.Header, err error) Result {
	return Result{Ack: h.builder.ErrorAck(ref, message.ErrCodeInternal, err.Error())}
}

// Claim handles CLAIM_UPDATE.
//
// CLAIMED records the owner and takes the mode from the message, falling
// back to the current mode and then MANUAL. UNCLAIMED resets the device:
// owner cleared, binding cleared, mode AUTO.
func (h *Handlers) Claim(data []byte) (Result, error) {
	var msg message.ClaimUpdate
	if err := message.Unmarshal(data, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := checkHeader(msg.Header, message.TypeClaimUpdate); err != nil {
		return Result{}, err
	}
	switch msg.ClaimState {
	case device.Claimed, device.Unclaimed:
	default:
		return Result{}, invalid("invalid claim_state %q", msg.ClaimState)
	}
	if msg.Mode != nil && *msg.Mode != "" && !msg.Mode.Valid() {
		return Result{}, invalid("invalid mode %q", *msg.Mode)
	}

	res, err := h.commit(msg.Header, nil, func(s *device.State) bool {
		if msg.ClaimState == device.Claimed {
			s.Claim.State = device.Claimed
			s.Claim.UserID = msg.UserID
			switch {
			case msg.Mode != nil && *msg.Mode != "":
				s.Mode = *msg.Mode
			case s.Mode.Valid():
			default:
				s.Mode = device.ModeManual
			}
			return true
		}

		s.Claim.State = device.Unclaimed
		s.Claim.UserID = nil
		s.Mode = device.ModeAuto
		s.ClearBinding()
		return true
	})
	if err != nil {
		return Result{}, err
	}

	h.logger.WithFields(log.Fields{
		"msg_id":      msg.MsgID,
		"claim_state": msg.ClaimState,
		"status":      res.Ack.Status,
	}).Info("Claim update handled")
	return res, nil
}

// Binding handles BINDING_UPDATE.
//
// BOUND records the plant, species, LED window and the bounds of every
// ideal range key the document already has; unknown keys are ignored.
// UNBOUND clears all of it. BOUND on an unclaimed device is dropped without
// an ack.
func (h *Handlers) Binding(data []byte) (Result, error) {
	var msg message.BindingUpdate
	if err := message.Unmarshal(data, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := checkHeader(msg.Header, message.TypeBindingUpdate); err != nil {
		return Result{}, err
	}
	switch msg.BindingState {
	case device.Bound:
		if msg.PlantID == nil || *msg.PlantID == "" {
			return Result{}, invalid("BOUND without plant_id")
		}
		if err := checkLEDTime(msg.LEDTime); err != nil {
			return Result{}, err
		}
	case device.Unbound:
	default:
		return Result{}, invalid("invalid binding_state %q", msg.BindingState)
	}

	var check func(*device.State) error
	if msg.BindingState == device.Bound {
		check = requireClaimed
	}
	res, err := h.commit(msg.Header, check, func(s *device.State) bool {
		if msg.BindingState == device.Unbound {
			s.ClearBinding()
			return true
		}

		s.Binding.State = device.Bound
		s.Binding.PlantID = msg.PlantID
		s.Binding.Species = msg.Species
		if s.Binding.IdealRanges == nil {
			s.Binding.IdealRanges = make(map[string]device.Range)
		}
		for key, r := range msg.IdealRanges {
			if _, ok := s.Binding.IdealRanges[key]; ok {
				s.Binding.IdealRanges[key] = r
			}
		}
		s.Binding.LEDTime = device.LEDTime{}
		if msg.LEDTime != nil {
			s.Binding.LEDTime = *msg.LEDTime
		}
		return true
	})
	if err != nil {
		return Result{}, err
	}

	h.logger.WithFields(log.Fields{
		"msg_id":        msg.MsgID,
		"binding_state": msg.BindingState,
		"status":        res.Ack.Status,
	}).Info("Binding update handled")
	return res, nil
}

func checkLEDTime(t *device.LEDTime) error {
	if t == nil {
		return nil
	}
	for _, h := range []*int{t.Start, t.End} {
		if h != nil && (*h < 0 || *h > 23) {
			return invalid("led_time hour %d out of range", *h)
		}
	}
	return nil
}

// Mode handles MODE_UPDATE. Requesting the current mode acks OK without
// writing the document.
func (h *Handlers) Mode(data []byte) (Result, error) {
	var msg message.ModeUpdate
	if err := message.Unmarshal(data, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := checkHeader(msg.Header, message.TypeModeUpdate); err != nil {
		return Result{}, err
	}
	if !msg.Mode.Valid() {
		return Result{}, invalid("invalid mode %q", msg.Mode)
	}

	res, err := h.commit(msg.Header, nil, func(s *device.State) bool {
		if s.Mode == msg.Mode {
			return false
		}
		s.Mode = msg.Mode
		return true
	})
	if err != nil {
		return Result{}, err
	}

	h.logger.WithFields(log.Fields{
		"msg_id":  msg.MsgID,
		"mode":    msg.Mode,
		"changed": res.Changed,
		"status":  res.Ack.Status,
	}).Info("Mode update handled")
	return res, nil
}
