// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/relp/frame"
	"mellium.im/relp/internal/txn"
)

// Events flowing from listener and session goroutines into the
// engine's dispatch loop. The loop is the single place where session
// state is mutated.
type event interface{}

type acceptEvent struct {
	ln   *Listener
	conn net.Conn
}

type readEvent struct {
	sess *Session
	data []byte
}

type readErrEvent struct {
	sess *Session
	err  error
}

type writeErrEvent struct {
	sess *Session
	err  error
}

type listenerErrEvent struct {
	ln  *Listener
	err error
}

// An Engine multiplexes any number of listeners and sessions over one
// dispatch goroutine. Listeners accept connections into fresh
// sessions; each session's transport reader feeds the engine, which
// decodes frames and drives the session state machines. A session that
// violates the protocol is torn down and removed without disturbing
// its peers.
//
// Construct an Engine with New, configure it with the Set methods,
// bind listeners with AddListener and drive it with Run.
type Engine struct {
	log       logrus.FieldLogger
	handler   Handler
	metrics   *Metrics
	maxWindow int

	events chan event
	done   chan struct{}

	lmu       sync.Mutex
	listeners []*Listener

	smu      sync.Mutex
	sessions map[string]*Session
}

// New constructs an engine with a discarding debug sink and no message
// handler.
func New() *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Engine{
		log:       log,
		maxWindow: txn.DefaultWindow,
		events:    make(chan event, 128),
		done:      make(chan struct{}),
		sessions:  make(map[string]*Session),
	}
}

// SetLogger installs the debug sink. Passing nil restores the default
// discarding sink.
func (e *Engine) SetLogger(log logrus.FieldLogger) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	e.log = log
}

// SetHandler installs the message sink invoked for each validated msg
// frame. It must be called before Run.
func (e *Engine) SetHandler(h Handler) { e.handler = h }

// SetMetrics installs the instrumentation bundle. It must be called
// before Run.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// SetMaxWindow caps the transaction window granted to peers during
// negotiation. It must be called before Run.
func (e *Engine) SetMaxWindow(n int) {
	if n > 0 {
		e.maxWindow = n
	}
}

// SessionCount reports the number of live sessions.
func (e *Engine) SessionCount() int {
	e.smu.Lock()
	defer e.smu.Unlock()
	return len(e.sessions)
}

// DispatchFrame routes one decoded frame to the command handler of the
// session it arrived on. It is the seam between the readiness loop and
// the session state machines; a returned error is terminal for the
// session.
func (e *Engine) DispatchFrame(s *Session, f *frame.Frame) error {
	return s.dispatch(f)
}

// Run drives the engine until ctx is canceled: it waits for readiness
// events, demultiplexes them to listener accepts or session reads,
// drives the session state machines, and removes sessions that have
// terminated. On return every listener and session has been shut down.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("relp engine running")
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev event) {
	switch ev := ev.(type) {
	case acceptEvent:
		e.accept(ev.conn)
	case readEvent:
		if !e.owns(ev.sess) {
			return
		}
		if err := ev.sess.feed(ev.data); err != nil {
			e.abortSession(ev.sess, err)
			return
		}
		if ev.sess.State().Terminal() {
			// The handler already tore the session down (close or
			// abort); drop it from the set.
			e.removeSession(ev.sess)
		}
	case readErrEvent:
		if !e.owns(ev.sess) {
			return
		}
		if errors.Is(ev.err, io.EOF) {
			ev.sess.log.Debug("peer closed the connection")
			ev.sess.teardown(io.EOF, false)
			e.removeSession(ev.sess)
			return
		}
		e.abortSession(ev.sess, ev.err)
	case writeErrEvent:
		if !e.owns(ev.sess) {
			return
		}
		e.abortSession(ev.sess, ev.err)
	case listenerErrEvent:
		ev.ln.log.WithError(ev.err).Error("relp listener died")
		ev.ln.Close()
		e.lmu.Lock()
		for i, l := range e.listeners {
			if l == ev.ln {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
		e.lmu.Unlock()
	}
}

// accept wraps a freshly accepted connection in a session and starts
// its transport goroutines.
func (e *Engine) accept(conn net.Conn) {
	s := newSession(e, conn)
	e.smu.Lock()
	e.sessions[s.id] = s
	e.smu.Unlock()
	if m := e.metrics; m != nil {
		m.ConnectionsAccepted.Inc()
		m.SessionsActive.Inc()
	}
	s.log.Info("relp connection accepted")
	go s.readLoop()
	go s.writeLoop()
}

func (e *Engine) owns(s *Session) bool {
	e.smu.Lock()
	defer e.smu.Unlock()
	_, ok := e.sessions[s.id]
	return ok
}

// abortSession is the failure-recovery policy: log, count, tear the
// session down and forget it. Errors never propagate past the session
// that caused them.
func (e *Engine) abortSession(s *Session, err error) {
	s.log.WithError(err).WithField("state", s.State().String()).Warn("tearing down relp session")
	if m := e.metrics; m != nil {
		m.SessionsAborted.WithLabelValues(abortReason(err)).Inc()
	}
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateBroken
	}
	s.mu.Unlock()
	s.teardown(err, false)
	e.removeSession(s)
}

func (e *Engine) removeSession(s *Session) {
	e.smu.Lock()
	_, ok := e.sessions[s.id]
	delete(e.sessions, s.id)
	e.smu.Unlock()
	if ok {
		if m := e.metrics; m != nil {
			m.SessionsActive.Dec()
		}
	}
}

// shutdown closes every listener and session. It runs after the
// dispatch loop has stopped, so sessions are torn down directly.
func (e *Engine) shutdown() {
	close(e.done)
	e.lmu.Lock()
	listeners := e.listeners
	e.listeners = nil
	e.lmu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	e.smu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.smu.Unlock()
	for _, s := range sessions {
		s.teardown(ErrSessionClosed, false)
		if m := e.metrics; m != nil {
			m.SessionsActive.Dec()
		}
	}
	e.log.Info("relp engine stopped")
}

// abortReason buckets teardown causes for the aborted-sessions
// metric.
func abortReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrMalformed):
		return "frame"
	case errors.Is(err, ErrInvalidCommand):
		return "command"
	case errors.Is(err, ErrUnknownTxnr):
		return "txnr"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, errQueueFull):
		return "overflow"
	default:
		return "transport"
	}
}
