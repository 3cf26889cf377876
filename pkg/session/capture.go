package session

import (
	"errors"

	"github.com/CodyCooperGit/cypress/pkg/instrument"
	"github.com/CodyCooperGit/cypress/pkg/log"
	"github.com/CodyCooperGit/cypress/pkg/model"
	"github.com/CodyCooperGit/cypress/pkg/transport"
)

// capture fills the common event fields and hands e to the protocol logger.
func (c *Controller) capture(e log.Event) {
	if c.cfg.ProtocolLogger == nil {
		return
	}
	e.Timestamp = c.cfg.now()
	e.Instrument = string(c.driver.Kind())
	if c.sess != nil {
		e.SessionID = c.sess.id
		e.Device = c.sess.device.Path
	}
	c.cfg.ProtocolLogger.Log(e)
}

func (c *Controller) captureState(old, next State, ev Event) {
	c.capture(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   ev.String(),
		},
	})
}

func (c *Controller) captureChannel(old, next transport.ChannelState, reason string) {
	c.capture(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerTransport,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

func (c *Controller) captureRequest(cmd instrument.Command, data []byte) {
	c.capture(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerCodec,
		Category:  log.CategoryCommand,
		Command:   &log.CommandEvent{Command: cmd.String()},
	})
	c.capture(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerTransport,
		Category:  log.CategoryFrame,
		Frame:     log.NewFrameEvent(0, data),
	})
}

func (c *Controller) captureResponse(cmd instrument.Command, resp instrument.Response) {
	ce := &log.CommandEvent{
		Command:      cmd.String(),
		Measurements: len(resp.Measurements),
	}
	for _, m := range resp.Measurements {
		if m.Valid() {
			ce.Valid++
		}
	}
	if resp.Device.Len() > 0 {
		ce.Values = make(map[string]string, resp.Device.Len())
		for _, key := range resp.Device.Keys() {
			ce.Values[key] = resp.Device.String(key)
		}
	}
	c.capture(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerCodec,
		Category:  log.CategoryCommand,
		Command:   ce,
	})
}

func (c *Controller) captureError(layer log.Layer, err error, op string) {
	c.capture(log.Event{
		Direction: log.DirectionIn,
		Layer:     layer,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Kind:    ErrorKind(err),
			Context: op,
		},
	})
}

// ErrorKind classifies err: configuration, transport, protocol,
// validation, state, or other.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrConfiguration), errors.Is(err, model.ErrMissingInputs):
		return "configuration"
	case errors.Is(err, transport.ErrTransport):
		return "transport"
	case errors.Is(err, instrument.ErrProtocol):
		return "protocol"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, ErrState):
		return "state"
	default:
		return "other"
	}
}
