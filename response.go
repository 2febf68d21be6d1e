// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Response codes defined by the protocol.
const (
	// StatusOK acknowledges successful processing of a command.
	StatusOK = 200

	// StatusError reports that processing failed; the human readable
	// part of the response says why.
	StatusError = 500
)

// ErrBadResponse is returned when the payload of a rsp frame does not
// follow the response grammar.
var ErrBadResponse = errors.New("relp: malformed rsp payload")

// A Response is the payload of a rsp frame: a status code, an optional
// human readable message on the same line, and optional command
// specific data after the line break. For the response to init the
// data part carries the accepted offer set.
type Response struct {
	Code    int
	Message string
	Data    []byte
}

// ParseResponse decodes a rsp frame payload.
func ParseResponse(data []byte) (Response, error) {
	header := data
	var rest []byte
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header, rest = data[:i], data[i+1:]
	}
	var r Response
	digits := 0
	for digits < len(header) && header[digits] >= '0' && header[digits] <= '9' {
		r.Code = r.Code*10 + int(header[digits]-'0')
		digits++
	}
	if digits == 0 || digits > 3 {
		return Response{}, fmt.Errorf("relp: rsp payload %q has no status code: %w", header, ErrBadResponse)
	}
	switch {
	case digits == len(header):
	case header[digits] == ' ':
		r.Message = string(header[digits+1:])
	default:
		return Response{}, fmt.Errorf("relp: rsp payload %q has garbage after the status code: %w", header, ErrBadResponse)
	}
	if len(rest) > 0 {
		r.Data = rest
	}
	return r, nil
}

// Marshal encodes the response for transmission inside a rsp frame.
// Line feeds in the human readable message are flattened to spaces to
// keep the header a single line.
func (r Response) Marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d", r.Code)
	if r.Message != "" {
		b.WriteByte(' ')
		b.WriteString(strings.ReplaceAll(r.Message, "\n", " "))
	}
	b.WriteByte('\n')
	b.Write(r.Data)
	return b.Bytes()
}

// OK reports whether the response acknowledges success.
func (r Response) OK() bool { return r.Code == StatusOK }

// A ResponseError is returned to senders whose command the peer
// answered with a non-OK response.
type ResponseError struct {
	Code    int
	Message string
}

// Error satisfies the error interface.
func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relp: peer answered %d", e.Code)
	}
	return fmt.Sprintf("relp: peer answered %d %s", e.Code, e.Message)
}
