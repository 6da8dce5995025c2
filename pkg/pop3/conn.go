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
	"net"
)

// Conn is a Transport that performs I/O on the calling goroutine. Reads block
// until a line arrives, the connection closes, or the deadline of the
// context passed to ReadLine elapses. Cancelling a context that has no
// deadline does not interrupt a read in progress; use AsyncConn for that.
type Conn struct {
	nc net.Conn
	br *bufio.Reader
}

var _ Transport = (*Conn)(nil)

// NewConn creates a blocking Transport over nc. If nc is already a TLS
// connection (POP3S), StartTLS must not be called.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		br: bufio.NewReader(nc),
	}
}

func (c *Conn) Write(ctx context.Context, p []byte) error {
	return writeConn(ctx, c.nc, p)
}

func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ioError(err)
	}
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return "", ioError(err)
	}
	return readLine(c.br)
}

func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) error {
	tc, err := upgradeTLS(ctx, c.nc, c.br, config)
	if err != nil {
		return err
	}
	c.nc = tc
	c.br = bufio.NewReader(tc)
	return nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}
