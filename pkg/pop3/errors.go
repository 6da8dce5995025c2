// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Transport errors. Every error returned by a Transport wraps ErrIO or ErrTLS.
var (
	ErrIO = errors.New("pop3: i/o error")

	// ErrConnectionClosed is returned when the peer closes the stream.
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrIO)

	// ErrTimeout is returned when a deadline elapses before a line is read or
	// a buffer is written.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrIO)

	ErrTLS = errors.New("pop3: tls upgrade failed")
)

// Framing errors.
var (
	ErrProtocol = errors.New("pop3: protocol error")

	// ErrTruncated is returned when the stream ends inside a multi-line body.
	ErrTruncated = fmt.Errorf("%w: truncated multi-line body", ErrProtocol)
)

// Local errors. No I/O is performed when these are returned.
var (
	ErrIllegalState = errors.New("pop3: command not valid in current state")

	// ErrPoisoned is returned for every command after a framing or transport
	// failure. The connection must be re-established.
	ErrPoisoned = fmt.Errorf("%w: session poisoned", ErrIllegalState)

	ErrClosed = fmt.Errorf("%w: session closed", ErrIllegalState)

	ErrInvalidArgument = errors.New("pop3: invalid argument")
)

// Server rejections.
var (
	ErrRejected   = errors.New("pop3: command rejected")
	ErrAuthFailed = fmt.Errorf("%w: authentication failed", ErrRejected)
)

// ServerError is a well-formed -ERR response.
type ServerError struct {
	// Command is the verb that was rejected.
	Command string
	// Message is the text following -ERR.
	Message string

	auth bool
}

func (e *ServerError) Error() string {
	if e.auth {
		return fmt.Sprintf("pop3: authentication failed: %s: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("pop3: %s rejected: %s", e.Command, e.Message)
}

func (e *ServerError) Is(target error) bool {
	if target == ErrRejected {
		return true
	}
	return e.auth && target == ErrAuthFailed
}

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrTLS) || errors.Is(err, ErrProtocol)
}

// ioError classifies a raw error from the network or a context into one of
// the transport kinds.
func ioError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
