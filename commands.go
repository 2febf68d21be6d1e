// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"errors"
	"fmt"
	"strconv"

	"mellium.im/relp/frame"
	"mellium.im/relp/internal/txn"
	"mellium.im/relp/offer"
)

// Commands defined by the protocol.
const (
	cmdInit  = "init"
	cmdGo    = "go"
	cmdMsg   = "msg"
	cmdClose = "close"
	cmdRsp   = "rsp"
	cmdAbort = "abort"
)

// dispatch routes one inbound frame to its command handler, enforcing
// the per-state command guards. Any returned error is terminal for the
// session.
func (s *Session) dispatch(f *frame.Frame) error {
	if m := s.engine.metrics; m != nil {
		m.FramesIn.Inc()
	}
	s.log.WithField("frame", f.String()).Debug("dispatching frame")

	switch f.Cmd {
	case cmdInit, cmdGo, cmdMsg, cmdClose, cmdRsp, cmdAbort:
	default:
		return fmt.Errorf("relp: command %q: %w", f.Cmd, ErrInvalidCommand)
	}

	switch st := s.State(); st {
	case StateInit:
		if f.Cmd != cmdInit {
			return fmt.Errorf("relp: %q before init: %w", f.Cmd, ErrProtocolViolation)
		}
		return s.handleInit(f)
	case StateGoWait:
		switch f.Cmd {
		case cmdGo:
			return s.handleGo(f)
		case cmdAbort:
			return s.handleAbort(f)
		}
		return fmt.Errorf("relp: %q while waiting for go: %w", f.Cmd, ErrProtocolViolation)
	case StateOpen:
		switch f.Cmd {
		case cmdMsg:
			return s.handleMsg(f)
		case cmdRsp:
			return s.handleRsp(f)
		case cmdClose:
			return s.handleClose(f)
		case cmdAbort:
			return s.handleAbort(f)
		}
		return fmt.Errorf("relp: %q in open session: %w", f.Cmd, ErrProtocolViolation)
	default:
		return fmt.Errorf("relp: %q in state %v: %w", f.Cmd, st, ErrProtocolViolation)
	}
}

// handleInit answers the client's offers with the subset the server
// accepts and advances to GO_WAIT.
func (s *Session) handleInit(f *frame.Frame) error {
	peer, err := offer.Parse(f.Data)
	if err != nil {
		s.reply(f.Txnr, Response{Code: StatusError, Message: "malformed offers"})
		return err
	}
	if v, ok := peer[offer.RelpVersion]; !ok || v != offer.Version {
		s.reply(f.Txnr, Response{Code: StatusError, Message: "insufficient version"})
		return fmt.Errorf("relp: peer offered relp_version %q: %w", v, ErrProtocolViolation)
	}
	s.setState(StateOffers)

	accepted := offer.Set{offer.RelpVersion: offer.Version}
	window := txn.DefaultWindow
	if w, ok := peer.Window(); ok {
		if w > s.engine.maxWindow {
			w = s.engine.maxWindow
		}
		window = w
		accepted[offer.WindowSize] = strconv.Itoa(w)
	}
	if cmds, ok := peer[offer.Commands]; ok {
		accepted[offer.Commands] = offer.IntersectCommands(cmds, "msg")
	}
	// Offers this implementation does not know are dropped from the
	// reply; the client is required to treat absence as refusal.

	s.mu.Lock()
	s.window = window
	s.accepted = accepted
	s.mu.Unlock()

	if err := s.reply(f.Txnr, Response{Code: StatusOK, Message: "OK", Data: accepted.Marshal()}); err != nil {
		return err
	}
	s.setState(StateGoWait)
	return nil
}

// handleGo verifies the client's final selection against the accepted
// subset, acknowledges it and opens the session.
func (s *Session) handleGo(f *frame.Frame) error {
	chosen, err := offer.Parse(f.Data)
	if err != nil {
		s.reply(f.Txnr, Response{Code: StatusError, Message: "malformed offers"})
		return err
	}
	if reason, ok := s.checkChosen(chosen); !ok {
		s.reply(f.Txnr, Response{Code: StatusError, Message: reason})
		return fmt.Errorf("relp: go offers not acceptable (%s): %w", reason, ErrProtocolViolation)
	}

	s.mu.Lock()
	s.offers = chosen
	if w, ok := chosen.Window(); ok {
		s.window = w
	}
	s.mu.Unlock()

	if err := s.reply(f.Txnr, Response{Code: StatusOK, Message: "OK"}); err != nil {
		return err
	}
	s.setState(StateOpen)
	s.log.WithField("window", s.Window()).Info("relp session open")
	return nil
}

// checkChosen reports whether the offer set committed by go is
// consistent with what was accepted in the response to init.
func (s *Session) checkChosen(chosen offer.Set) (reason string, ok bool) {
	if v := chosen[offer.RelpVersion]; v != offer.Version {
		return "insufficient version", false
	}
	s.mu.RLock()
	accepted := s.accepted
	s.mu.RUnlock()
	if w, ok := chosen.Window(); ok {
		if aw, aok := accepted.Window(); aok && w > aw {
			return "window larger than accepted", false
		}
	}
	acceptedCmds := accepted[offer.Commands]
	for _, c := range chosen.Commands() {
		if offer.IntersectCommands(c, acceptedCmds) != c {
			return "command " + c + " not accepted", false
		}
	}
	return "", true
}

// handleMsg delivers the payload to the engine's message sink and
// acknowledges the transaction. A sink failure is reported to the peer
// as a 500 response carrying the sink's message; the session survives.
func (s *Session) handleMsg(f *frame.Frame) error {
	h := s.engine.handler
	if h == nil {
		// No sink is configured; the message is acknowledged and
		// dropped so a collector in setup does not wedge its peers.
		s.log.Debug("no message handler, discarding msg")
		return s.reply(f.Txnr, Response{Code: StatusOK, Message: "OK"})
	}
	if err := h.HandleMessage(s, f.Data); err != nil {
		s.log.WithError(err).Warn("message sink rejected msg")
		return s.reply(f.Txnr, Response{Code: StatusError, Message: err.Error()})
	}
	if m := s.engine.metrics; m != nil {
		m.MessagesDelivered.Inc()
	}
	return s.reply(f.Txnr, Response{Code: StatusOK, Message: "OK"})
}

// handleRsp matches a response from the peer to the outstanding
// transaction it answers.
func (s *Session) handleRsp(f *frame.Frame) error {
	switch err := s.reg.Resolve(f); {
	case errors.Is(err, txn.ErrUnknown):
		return fmt.Errorf("relp: rsp for txnr %d: %w", f.Txnr, ErrUnknownTxnr)
	default:
		return err
	}
}

// handleClose quiesces the session: the close is acknowledged and the
// transport shut down once the acknowledgment is flushed.
func (s *Session) handleClose(f *frame.Frame) error {
	s.setState(StateClosing)
	if err := s.reply(f.Txnr, Response{Code: StatusOK, Message: "OK"}); err != nil {
		return err
	}
	s.setState(StateClosed)
	s.log.Info("relp session closed by peer")
	s.teardown(nil, true)
	return nil
}

// handleAbort tears the session down immediately. No response is sent.
func (s *Session) handleAbort(f *frame.Frame) error {
	s.setState(StateBroken)
	s.log.Info("relp session aborted by peer")
	s.teardown(ErrAborted, false)
	return nil
}
