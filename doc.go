// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package relp implements the core of the Reliable Event Logging
// Protocol (RELP).
//
// RELP carries event log messages between a client (the originator)
// and a server (the collector) over a reliable stream connection. It
// uses a command/response model with fixed roles: the initiating peer
// is the client, the listening peer the server. Every command a client
// issues is acknowledged by a response, so message loss is always
// detectable end to end. To allow full duplex operation several
// commands may be outstanding at once; the number of unacknowledged
// commands is bounded by a negotiated window, and the server may
// respond in any order. A command together with its response is called
// a transaction, correlated by the transaction number both frames
// carry.
//
// A session begins with a handshake: the client sends init carrying
// the features it offers, the server answers with the subset it
// accepts, and the client commits to its final selection with go. Only
// after the positive response to go may messages flow. Either peer
// ends a session with close, acknowledged by a final response, or
// abandons it with abort. Any framing or protocol error is terminal:
// the offending session is aborted and its outstanding transactions
// are canceled, which is the only recovery the protocol specifies.
//
// The Engine is the process-wide coordinator. It owns listeners and
// the sessions accepted from them and dispatches every inbound frame
// on a single goroutine, so per-session state needs no locking. The
// client side is provided by Dialer and Client. The wire codec and the
// handshake offers live in the frame and offer subpackages.
package relp // import "mellium.im/relp"
