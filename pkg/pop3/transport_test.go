// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrIO)
}

func TestConnEndOfStream(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client)
	defer c.Close()

	go func() {
		io.WriteString(server, "+OK ready\r\npartial")
		server.Close()
	}()

	line, err := c.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "+OK ready", line)

	_, err = c.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnWrite(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client)

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
	}()
	ok(t, c.Write(context.Background(), []byte("NOOP\r\n")))
	assert.Equal(t, "NOOP\r\n", <-got)

	ok(t, c.Close())
	err := c.Write(context.Background(), []byte("NOOP\r\n"))
	assert.ErrorIs(t, err, ErrIO)
	server.Close()
}

func TestConnWriteTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client)
	defer c.Close()

	// Nobody reads from server, so the write cannot complete.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Write(ctx, []byte("STAT\r\n"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStartTLSRejectsBufferedData(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client)
	defer c.Close()

	go io.WriteString(server, "+OK begin TLS\r\ninjected\r\n")

	line, err := c.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "+OK begin TLS", line)

	err = c.StartTLS(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTLS)
}

func TestAsyncConnReadLine(t *testing.T) {
	client, server := net.Pipe()
	c := NewAsyncConn(client)
	defer c.Close()

	go func() {
		io.WriteString(server, "+OK one\r\n+OK two\r\n")
		server.Close()
	}()

	for _, want := range []string{"+OK one", "+OK two"} {
		line, err := c.ReadLine(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	_, err := c.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestAsyncConnCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewAsyncConn(client)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned read may still consume a line, so the stream cannot be
	// trusted any more.
	go io.WriteString(server, "+OK late\r\n")
	_, err = c.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrIO)

	assert.ErrorIs(t, c.StartTLS(context.Background(), nil), ErrTLS)
}

func TestAsyncConnReadAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewAsyncConn(client)
	ok(t, c.Close())
	ok(t, c.Close())

	_, err := c.ReadLine(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestTimeoutPoisonsSession runs a server that stops answering after the
// greeting.
func TestTimeoutPoisonsSession(t *testing.T) {
	for _, tc := range []struct {
		name string
		new  func(net.Conn) Transport
	}{
		{"Conn", func(nc net.Conn) Transport { return NewConn(nc) }},
		{"AsyncConn", func(nc net.Conn) Transport { return NewAsyncConn(nc) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer server.Close()

			go func() {
				io.WriteString(server, testGreeting)
				br := bufio.NewReader(server)
				for {
					if _, err := br.ReadString('\n'); err != nil {
						return
					}
				}
			}()

			c, err := Connect(context.Background(), tc.new(client), zap.NewNop(), &Options{Timeout: 50 * time.Millisecond})
			require.NoError(t, err)

			_, err = c.Capabilities(context.Background())
			assert.ErrorIs(t, err, ErrTimeout)
			assert.True(t, IsFatal(err))
			assert.Equal(t, StatePoisoned, c.State())

			_, err = c.Capabilities(context.Background())
			assert.ErrorIs(t, err, ErrPoisoned)
		})
	}
}
