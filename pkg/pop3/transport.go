// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is a byte stream to a POP3 server. The Client is written only
// against this interface; NewConn and NewAsyncConn provide the blocking and
// the goroutine-backed realizations.
//
// Every method may be called by only one goroutine at a time.
type Transport interface {
	// Write sends p in full. A partial write is reported as an error.
	Write(ctx context.Context, p []byte) error
	// ReadLine returns the next line without its CRLF terminator. End of
	// stream yields ErrConnectionClosed and an elapsed deadline ErrTimeout.
	ReadLine(ctx context.Context) (string, error)
	// StartTLS wraps the stream in a TLS client. It must be called before
	// any command is sent, or immediately after a successful STLS.
	StartTLS(ctx context.Context, config *tls.Config) error
	// Close closes the underlying connection.
	Close() error
}

const maxLineLength = 64 * 1024

var errLineTooLong = fmt.Errorf("%w: line exceeds %d octets", ErrProtocol, maxLineLength)

// readLine reads one CRLF (or bare LF) terminated line. A line cut short by
// end of stream is discarded.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		buf = append(buf, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			// A trailing '\r' may still belong to the terminator.
			if len(buf) > maxLineLength+1 {
				return "", errLineTooLong
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", ErrConnectionClosed
		}
		return "", ioError(err)
	}
	buf = buf[:len(buf)-1]
	if n := len(buf); n > 0 && buf[n-1] == '\r' {
		buf = buf[:n-1]
	}
	if len(buf) > maxLineLength {
		return "", errLineTooLong
	}
	return string(buf), nil
}

// writeConn writes p to nc, bounded by the deadline of ctx.
func writeConn(ctx context.Context, nc net.Conn, p []byte) error {
	if err := ctx.Err(); err != nil {
		return ioError(err)
	}
	deadline, _ := ctx.Deadline()
	if err := nc.SetWriteDeadline(deadline); err != nil {
		return ioError(err)
	}
	_, err := nc.Write(p)
	return ioError(err)
}

// upgradeTLS performs a client handshake over nc. Octets already buffered in
// br were sent in the clear after the point of upgrade, so they fail the
// upgrade rather than being silently dropped.
func upgradeTLS(ctx context.Context, nc net.Conn, br *bufio.Reader, config *tls.Config) (*tls.Conn, error) {
	if n := br.Buffered(); n > 0 {
		return nil, fmt.Errorf("%w: %d unread octets before handshake", ErrTLS, n)
	}
	if config == nil {
		config = &tls.Config{}
	}
	// Handshake deadlines come from ctx; clear any left over from a line read.
	nc.SetDeadline(time.Time{})
	tc := tls.Client(nc, config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLS, err)
	}
	return tc, nil
}
