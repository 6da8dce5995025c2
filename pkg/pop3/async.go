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
	"fmt"
	"net"
	"sync"
)

type lineResult struct {
	line string
	err  error
}

// AsyncConn is a Transport whose line reads run on a dedicated reader
// goroutine. ReadLine parks the caller until the line is delivered or its
// context is done, so any context, with or without a deadline, can abandon
// a pending read. An abandoned read leaves the stream position unknown and
// every later ReadLine fails.
type AsyncConn struct {
	nc net.Conn
	br *bufio.Reader

	// The reader goroutine reads one line from each *bufio.Reader it
	// receives and answers on results. It never touches br otherwise.
	reqs    chan *bufio.Reader
	results chan lineResult

	abandoned bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*AsyncConn)(nil)

// NewAsyncConn creates a goroutine-backed Transport over nc. The reader
// goroutine exits when Close is called.
func NewAsyncConn(nc net.Conn) *AsyncConn {
	c := &AsyncConn{
		nc:      nc,
		br:      bufio.NewReader(nc),
		reqs:    make(chan *bufio.Reader),
		results: make(chan lineResult, 1),
		done:    make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *AsyncConn) read() {
	for {
		select {
		case br := <-c.reqs:
			line, err := readLine(br)
			// At most one request is outstanding, so this never blocks.
			c.results <- lineResult{line, err}
		case <-c.done:
			return
		}
	}
}

func (c *AsyncConn) Write(ctx context.Context, p []byte) error {
	return writeConn(ctx, c.nc, p)
}

func (c *AsyncConn) ReadLine(ctx context.Context) (string, error) {
	if c.abandoned {
		return "", fmt.Errorf("%w: stream position lost by an abandoned read", ErrIO)
	}
	select {
	case <-c.done:
		return "", ErrConnectionClosed
	default:
	}
	select {
	case c.reqs <- c.br:
	case <-ctx.Done():
		return "", ioError(ctx.Err())
	case <-c.done:
		return "", ErrConnectionClosed
	}
	select {
	case r := <-c.results:
		return r.line, r.err
	case <-ctx.Done():
		c.abandoned = true
		return "", ioError(ctx.Err())
	}
}

func (c *AsyncConn) StartTLS(ctx context.Context, config *tls.Config) error {
	if c.abandoned {
		return fmt.Errorf("%w: read in progress", ErrTLS)
	}
	tc, err := upgradeTLS(ctx, c.nc, c.br, config)
	if err != nil {
		return err
	}
	c.nc = tc
	c.br = bufio.NewReader(tc)
	return nil
}

func (c *AsyncConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}
