// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func _fl(depth int) string {
	_, file, line, _ := runtime.Caller(depth + 1)
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Errorf("%s unexpected error: %v", _fl(1), err)
	}
}

// scriptTransport replays a fixed server byte stream and records what the
// client writes.
type scriptTransport struct {
	br       *bufio.Reader
	written  bytes.Buffer
	closed   bool
	upgraded bool
	tlsErr   error
}

var _ Transport = (*scriptTransport)(nil)

func newScript(server string) *scriptTransport {
	return &scriptTransport{br: bufio.NewReader(strings.NewReader(server))}
}

func (t *scriptTransport) Write(ctx context.Context, p []byte) error {
	if t.closed {
		return ErrConnectionClosed
	}
	t.written.Write(p)
	return nil
}

func (t *scriptTransport) ReadLine(ctx context.Context) (string, error) {
	if t.closed {
		return "", ErrConnectionClosed
	}
	return readLine(t.br)
}

func (t *scriptTransport) StartTLS(ctx context.Context, config *tls.Config) error {
	if t.tlsErr != nil {
		return t.tlsErr
	}
	t.upgraded = true
	return nil
}

func (t *scriptTransport) Close() error {
	t.closed = true
	return nil
}

const testGreeting = "+OK POP3 server ready <1896.697170952@dbc.mtview.ca.us>\r\n"

// scriptClient connects over a script that starts with a greeting, followed
// by server.
func scriptClient(t *testing.T, server string, opts *Options) (*Client, *scriptTransport) {
	t.Helper()
	tr := newScript(testGreeting + server)
	c, err := Connect(context.Background(), tr, zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c, tr
}

// txnClient returns a client already in TRANSACTION whose transport has
// recorded no writes yet.
func txnClient(t *testing.T, server string, opts *Options) (*Client, *scriptTransport) {
	t.Helper()
	c, tr := scriptClient(t, "+OK\r\n+OK\r\n"+server, opts)
	if err := c.Login(context.Background(), "u", "p"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	tr.written.Reset()
	return c, tr
}
