// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package frame implements the RELP wire framing.
//
// Every RELP transaction is carried inside a frame of the form
//
//	TXNR SP COMMAND SP DATALEN SP DATA LF
//
// where TXNR and DATALEN are decimal numbers of at most nine digits,
// COMMAND is one to thirty-two letters, and DATA is exactly DATALEN
// octets of command-defined payload. The trailing line feed exists to
// detect framing errors and to keep the stream readable by humans.
package frame // import "mellium.im/relp/frame"

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxTxnr is the largest transaction number that can be represented
	// on the wire (nine decimal digits).
	MaxTxnr = 999999999

	// MaxCmdLen is the maximum length of a command name in octets.
	MaxCmdLen = 32

	// MaxDataLen is the largest payload size that can be represented on
	// the wire (nine decimal digits).
	MaxDataLen = 999999999

	maxNumDigits = 9
)

// ErrMalformed is returned (possibly wrapped with position detail) when
// bytes on the wire violate the frame grammar. A session that sees it
// must be aborted; the decoder cannot resynchronize.
var ErrMalformed = errors.New("frame: malformed frame")

// A Frame is a single RELP frame: one command or response together with
// its transaction number and payload.
type Frame struct {
	// Txnr is the transaction number. Commands carry a monotonically
	// increasing number assigned by the sender; responses carry the
	// number of the command they answer.
	Txnr uint64

	// Cmd is the command name, 1–32 ASCII letters.
	Cmd string

	// Data is the command-defined payload. It may be empty.
	Data []byte
}

// check reports nil if the frame's fields can be represented on the
// wire.
func (f *Frame) check() error {
	if f.Txnr > MaxTxnr {
		return fmt.Errorf("frame: txnr %d does not fit in nine digits: %w", f.Txnr, ErrMalformed)
	}
	if len(f.Cmd) == 0 || len(f.Cmd) > MaxCmdLen {
		return fmt.Errorf("frame: command length %d outside 1..%d: %w", len(f.Cmd), MaxCmdLen, ErrMalformed)
	}
	for i := 0; i < len(f.Cmd); i++ {
		if !isAlpha(f.Cmd[i]) {
			return fmt.Errorf("frame: command contains non-letter byte %#x: %w", f.Cmd[i], ErrMalformed)
		}
	}
	if len(f.Data) > MaxDataLen {
		return fmt.Errorf("frame: payload of %d octets does not fit in nine digits: %w", len(f.Data), ErrMalformed)
	}
	return nil
}

// Marshal encodes the frame into its wire form. The DATALEN field is
// always followed by a single space, even when the payload is empty.
func (f *Frame) Marshal() ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(f.Cmd)+len(f.Data)+24)
	b = strconv.AppendUint(b, f.Txnr, 10)
	b = append(b, ' ')
	b = append(b, f.Cmd...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, uint64(len(f.Data)), 10)
	b = append(b, ' ')
	b = append(b, f.Data...)
	b = append(b, '\n')
	return b, nil
}

// WriteTo encodes the frame and writes it to w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	b, err := f.Marshal()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// String returns a printable description of the frame for debug logs.
// The payload is elided beyond a short prefix.
func (f *Frame) String() string {
	data := f.Data
	if len(data) > 32 {
		data = data[:32]
	}
	return fmt.Sprintf("%d %s %d %q", f.Txnr, f.Cmd, len(f.Data), data)
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
