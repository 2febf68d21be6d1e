// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package txn tracks outstanding RELP transactions for one session.
package txn

import (
	"errors"

	"mellium.im/relp/frame"
)

const (
	// DefaultWindow is the transaction window used when the peers do not
	// negotiate one.
	DefaultWindow = 128

	// DefaultMaxTxnr is the default largest transaction number assigned
	// before wrapping back to one. It must be at least the window size
	// so that outstanding numbers are unambiguous.
	DefaultMaxTxnr = 999
)

var (
	// ErrWindowFull is returned by Assign when the number of
	// outstanding transactions has reached the window. Nothing is sent
	// on the wire; the caller may retry after a response arrives.
	ErrWindowFull = errors.New("txn: transaction window exhausted")

	// ErrUnknown is returned by Resolve for a response that references
	// no outstanding transaction. The protocol requires the session to
	// be aborted.
	ErrUnknown = errors.New("txn: response for unknown transaction")

	// ErrCanceled resolves every outstanding transaction when a session
	// is torn down without a more specific cause.
	ErrCanceled = errors.New("txn: transaction canceled")
)

// A ResponseFunc receives the rsp frame that completed a transaction,
// or the session-level error that canceled it. Exactly one of f and err
// is non-nil. The function is invoked on the goroutine driving the
// session and must not block.
type ResponseFunc func(f *frame.Frame, err error)

type pending struct {
	cmd string
	fn  ResponseFunc
}

// A Registry assigns transaction numbers to outbound commands, bounds
// the number of outstanding transactions by the negotiated window, and
// matches responses back to the commands they answer.
//
// A Registry is owned by a single session. Methods are not synchronized
// internally; callers that touch a registry from several goroutines
// (the client side does) wrap it in their own lock.
type Registry struct {
	next        uint64
	maxTxnr     uint64
	window      int
	outstanding map[uint64]pending
	// Assignment order of outstanding numbers; the head that is still
	// outstanding is the oldest unacknowledged transaction.
	order []uint64
}

// NewRegistry returns a registry enforcing the given window. A window
// or maxTxnr of zero selects the default. The largest transaction
// number is raised to the window size if it would otherwise be smaller.
func NewRegistry(window int, maxTxnr uint64) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxTxnr == 0 {
		maxTxnr = DefaultMaxTxnr
	}
	if maxTxnr > frame.MaxTxnr {
		maxTxnr = frame.MaxTxnr
	}
	if maxTxnr < uint64(window) {
		maxTxnr = uint64(window)
	}
	return &Registry{
		next:        1,
		maxTxnr:     maxTxnr,
		window:      window,
		outstanding: make(map[uint64]pending),
	}
}

// Window returns the current window size.
func (r *Registry) Window() int { return r.window }

// SetWindow installs the window negotiated during session setup. It
// never shrinks below the number of currently outstanding transactions.
func (r *Registry) SetWindow(n int) {
	if n < 1 {
		return
	}
	if n < len(r.outstanding) {
		n = len(r.outstanding)
	}
	r.window = n
	if r.maxTxnr < uint64(n) {
		r.maxTxnr = uint64(n)
	}
}

// Len reports the number of outstanding transactions.
func (r *Registry) Len() int { return len(r.outstanding) }

// Oldest reports the oldest assigned transaction number that has no
// response yet. ok is false when nothing is outstanding.
func (r *Registry) Oldest() (txnr uint64, ok bool) {
	r.compact()
	if len(r.order) == 0 {
		return 0, false
	}
	return r.order[0], true
}

// Assign reserves the next transaction number for an outbound command
// and records fn to receive its response. It returns ErrWindowFull,
// without assigning, when the window is exhausted.
func (r *Registry) Assign(cmd string, fn ResponseFunc) (uint64, error) {
	if len(r.outstanding) >= r.window {
		return 0, ErrWindowFull
	}
	txnr := r.next
	if r.next++; r.next > r.maxTxnr {
		// Wrap: zero stays reserved for unsolicited frames.
		r.next = 1
	}
	r.outstanding[txnr] = pending{cmd: cmd, fn: fn}
	r.order = append(r.order, txnr)
	return txnr, nil
}

// Resolve completes the transaction named by the response frame and
// invokes its ResponseFunc. It returns ErrUnknown when the number is
// not outstanding.
func (r *Registry) Resolve(f *frame.Frame) error {
	p, ok := r.outstanding[f.Txnr]
	if !ok {
		return ErrUnknown
	}
	delete(r.outstanding, f.Txnr)
	r.compact()
	if p.fn != nil {
		p.fn(f, nil)
	}
	return nil
}

// Command reports the command name the given outstanding transaction
// was assigned for.
func (r *Registry) Command(txnr uint64) (cmd string, ok bool) {
	p, ok := r.outstanding[txnr]
	return p.cmd, ok
}

// CancelAll resolves every outstanding transaction with err so that
// callers waiting on acknowledgment learn the outcome. A nil err is
// replaced by ErrCanceled.
func (r *Registry) CancelAll(err error) {
	if err == nil {
		err = ErrCanceled
	}
	for _, txnr := range r.order {
		if p, ok := r.outstanding[txnr]; ok {
			delete(r.outstanding, txnr)
			if p.fn != nil {
				p.fn(nil, err)
			}
		}
	}
	r.order = r.order[:0]
}

// compact drops resolved numbers from the head of the assignment order
// so that the oldest outstanding entry is always at the front.
func (r *Registry) compact() {
	for len(r.order) > 0 {
		if _, ok := r.outstanding[r.order[0]]; ok {
			return
		}
		r.order = r.order[1:]
	}
}
