// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"errors"
)

// Errors returned by the RELP package. Frame grammar violations are
// reported as errors wrapping frame.ErrMalformed, malformed handshake
// offers as errors wrapping offer.ErrBadOffer, and transport failures
// surface as the underlying network error; everything else a session
// can die of is listed here.
var (
	// ErrProtocolViolation indicates a well-formed frame whose command
	// is not valid in the session's current state. The session is
	// aborted.
	ErrProtocolViolation = errors.New("relp: command not valid in the current session state")

	// ErrInvalidCommand indicates a frame carrying a command name this
	// implementation does not know. The protocol would permit answering
	// with an error response and carrying on, but that leaves the peers
	// in ambiguous agreement about session state, so the session is
	// aborted instead.
	ErrInvalidCommand = errors.New("relp: unrecognized command")

	// ErrUnknownTxnr indicates a response frame whose transaction number
	// matches no outstanding transaction. The session is aborted.
	ErrUnknownTxnr = errors.New("relp: response references no outstanding transaction")

	// ErrWindowExhausted is returned to a local sender when assigning a
	// new transaction would exceed the negotiated window. Nothing is
	// placed on the wire; the send may be retried once a response
	// arrives.
	ErrWindowExhausted = errors.New("relp: transaction window exhausted")

	// ErrSessionClosed is returned for operations on a session that has
	// reached a terminal state.
	ErrSessionClosed = errors.New("relp: session is closed")

	// ErrAborted reports that the peer abandoned the session with the
	// abort command.
	ErrAborted = errors.New("relp: session aborted by peer")
)

// errQueueFull reports an outbound frame queue that stopped draining,
// which means the transport has stalled beyond what the window should
// allow. Treated like a transport failure.
var errQueueFull = errors.New("relp: outbound queue overflow")
