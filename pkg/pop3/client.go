// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options contains options for Connect.
type Options struct {
	// Timeout bounds every operation whose context has no deadline. Zero
	// means operations are bounded only by their context.
	Timeout time.Duration

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(from, to State)
}

// Client is a POP3 client session. It is not safe for concurrent use; the
// caller must serialize operations.
type Client struct {
	s   *session
	log *zap.Logger

	// authStarted is set once an authentication command has been sent, after
	// which STLS is no longer permitted.
	authStarted bool
}

// MailboxStat is the reply to STAT.
type MailboxStat struct {
	Count int
	Size  int64
}

// MessageInfo is one entry of a scan listing.
type MessageInfo struct {
	Number int
	Size   int64
}

// MessageUID is one entry of a unique-id listing.
type MessageUID struct {
	Number int
	UID    string
}

// MessageBody is the content returned by RETR or TOP, one element per line
// with the CRLF terminators and byte-stuffing removed.
type MessageBody struct {
	Lines []string
}

// Bytes returns the message octets with CRLF line endings.
func (b *MessageBody) Bytes() []byte {
	var buf bytes.Buffer
	for _, line := range b.Lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func (b *MessageBody) Reader() io.Reader {
	return bytes.NewReader(b.Bytes())
}

// Connect reads the server greeting over t and returns a session in the
// AUTHORIZATION state. On failure t is closed.
//
// A nil options pointer is equivalent to a zero options value.
func Connect(ctx context.Context, t Transport, log *zap.Logger, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &session{
		t:             t,
		state:         StateAuthorization,
		timeout:       opts.Timeout,
		log:           log,
		onStateChange: opts.OnStateChange,
	}
	c := &Client{s: s, log: log}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	resp, err := readResponse(ctx, t, false)
	if err != nil {
		s.poison(err)
		return nil, fmt.Errorf("Failed to read greeting: %w", err)
	}
	if !resp.OK {
		s.finish()
		return nil, &ServerError{Command: "greeting", Message: resp.Message}
	}
	s.greeting = resp.Message
	log.Info("Connected", zap.String("greeting", s.greeting))
	return c, nil
}

// State returns the current protocol state.
func (c *Client) State() State {
	return c.s.state
}

// Greeting returns the text of the server greeting.
func (c *Client) Greeting() string {
	return c.s.greeting
}

// Timestamp returns the <...> token of the greeting used by APOP, or the
// empty string if the server did not send one.
func (c *Client) Timestamp() string {
	start := strings.IndexByte(c.s.greeting, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(c.s.greeting[start:], '>')
	if end < 0 {
		return ""
	}
	return c.s.greeting[start : start+end+1]
}

// Close releases the transport without sending QUIT. Messages marked for
// deletion are not removed.
func (c *Client) Close() error {
	if c.s.state == StateClosed || c.s.state == StatePoisoned {
		return nil
	}
	c.s.setState(StateClosed)
	return c.s.t.Close()
}

// simple performs cmd and converts a -ERR reply into a *ServerError.
func (c *Client) simple(ctx context.Context, cmd Command) (*Response, error) {
	resp, err := c.s.exchange(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &ServerError{Command: cmd.Verb, Message: resp.Message}
	}
	return resp, nil
}

// malformed poisons the session after a reply that was framed correctly but
// whose content could not be parsed.
func (c *Client) malformed(verb, format string, args ...any) error {
	err := fmt.Errorf("%s: %w: %s", verb, ErrProtocol, fmt.Sprintf(format, args...))
	c.s.poison(err)
	return err
}

func messageNumber(verb string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("%w: %s message number %d", ErrInvalidArgument, verb, n)
	}
	return strconv.Itoa(n), nil
}

// Stat returns the number of messages in the maildrop and their total size.
func (c *Client) Stat(ctx context.Context) (MailboxStat, error) {
	resp, err := c.simple(ctx, Command{Verb: "STAT"})
	if err != nil {
		return MailboxStat{}, err
	}
	fields := strings.Fields(resp.Message)
	if len(fields) < 2 {
		return MailboxStat{}, c.malformed("STAT", "drop listing %q", resp.Message)
	}
	count, err := parseCount(fields[0])
	if err != nil {
		return MailboxStat{}, c.malformed("STAT", "message count %q", fields[0])
	}
	size, err := parseSize(fields[1])
	if err != nil {
		return MailboxStat{}, c.malformed("STAT", "maildrop size %q", fields[1])
	}
	return MailboxStat{Count: count, Size: size}, nil
}

var (
	errNegative    = errors.New("negative value")
	errNotPositive = errors.New("message number below 1")
)

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil && n < 0 {
		err = errNegative
	}
	return n, err
}

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil && n < 0 {
		err = errNegative
	}
	return n, err
}

func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil && n < 1 {
		err = errNotPositive
	}
	return n, err
}

func (c *Client) parseScanLine(verb, line string) (MessageInfo, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return MessageInfo{}, c.malformed(verb, "scan listing %q", line)
	}
	n, err := parseNumber(fields[0])
	if err != nil {
		return MessageInfo{}, c.malformed(verb, "message number %q", fields[0])
	}
	size, err := parseSize(fields[1])
	if err != nil {
		return MessageInfo{}, c.malformed(verb, "message size %q", fields[1])
	}
	return MessageInfo{Number: n, Size: size}, nil
}

// List returns the scan listing of every message not marked as deleted, in
// the order the server sent it.
func (c *Client) List(ctx context.Context) ([]MessageInfo, error) {
	resp, err := c.simple(ctx, Command{Verb: "LIST"})
	if err != nil {
		return nil, err
	}
	msgs := make([]MessageInfo, 0, len(resp.Lines))
	seen := make(map[int]struct{}, len(resp.Lines))
	for _, line := range resp.Lines {
		info, err := c.parseScanLine("LIST", line)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[info.Number]; dup {
			return nil, c.malformed("LIST", "duplicate message number %d", info.Number)
		}
		seen[info.Number] = struct{}{}
		msgs = append(msgs, info)
	}
	return msgs, nil
}

// ListMessage returns the scan listing of message n.
func (c *Client) ListMessage(ctx context.Context, n int) (MessageInfo, error) {
	arg, err := messageNumber("LIST", n)
	if err != nil {
		return MessageInfo{}, err
	}
	resp, err := c.simple(ctx, Command{Verb: "LIST", Args: []string{arg}})
	if err != nil {
		return MessageInfo{}, err
	}
	return c.parseScanLine("LIST", resp.Message)
}

func (c *Client) parseUIDLine(line string) (MessageUID, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return MessageUID{}, c.malformed("UIDL", "unique-id listing %q", line)
	}
	n, err := parseNumber(fields[0])
	if err != nil {
		return MessageUID{}, c.malformed("UIDL", "message number %q", fields[0])
	}
	return MessageUID{Number: n, UID: fields[1]}, nil
}

// UIDL returns the unique-id listing of every message not marked as deleted,
// in the order the server sent it.
func (c *Client) UIDL(ctx context.Context) ([]MessageUID, error) {
	resp, err := c.simple(ctx, Command{Verb: "UIDL"})
	if err != nil {
		return nil, err
	}
	uids := make([]MessageUID, 0, len(resp.Lines))
	seen := make(map[int]struct{}, len(resp.Lines))
	for _, line := range resp.Lines {
		uid, err := c.parseUIDLine(line)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[uid.Number]; dup {
			return nil, c.malformed("UIDL", "duplicate message number %d", uid.Number)
		}
		seen[uid.Number] = struct{}{}
		uids = append(uids, uid)
	}
	return uids, nil
}

// UIDLMessage returns the unique-id listing of message n.
func (c *Client) UIDLMessage(ctx context.Context, n int) (MessageUID, error) {
	arg, err := messageNumber("UIDL", n)
	if err != nil {
		return MessageUID{}, err
	}
	resp, err := c.simple(ctx, Command{Verb: "UIDL", Args: []string{arg}})
	if err != nil {
		return MessageUID{}, err
	}
	return c.parseUIDLine(resp.Message)
}

// Retrieve returns the full content of message n, header block included.
func (c *Client) Retrieve(ctx context.Context, n int) (*MessageBody, error) {
	arg, err := messageNumber("RETR", n)
	if err != nil {
		return nil, err
	}
	resp, err := c.simple(ctx, Command{Verb: "RETR", Args: []string{arg}})
	if err != nil {
		return nil, err
	}
	return &MessageBody{Lines: resp.Lines}, nil
}

// Top returns the header block of message n followed by the first lines
// lines of its body.
func (c *Client) Top(ctx context.Context, n, lines int) (*MessageBody, error) {
	arg, err := messageNumber("TOP", n)
	if err != nil {
		return nil, err
	}
	if lines < 0 {
		return nil, fmt.Errorf("%w: TOP line count %d", ErrInvalidArgument, lines)
	}
	resp, err := c.simple(ctx, Command{Verb: "TOP", Args: []string{arg, strconv.Itoa(lines)}})
	if err != nil {
		return nil, err
	}
	return &MessageBody{Lines: resp.Lines}, nil
}

// Delete marks message n for deletion. The message is removed by the server
// only when the session ends with Quit.
func (c *Client) Delete(ctx context.Context, n int) error {
	arg, err := messageNumber("DELE", n)
	if err != nil {
		return err
	}
	_, err = c.simple(ctx, Command{Verb: "DELE", Args: []string{arg}})
	return err
}

func (c *Client) Noop(ctx context.Context) error {
	_, err := c.simple(ctx, Command{Verb: "NOOP"})
	return err
}

// Reset unmarks every message marked for deletion in this session.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.simple(ctx, Command{Verb: "RSET"})
	return err
}

// Capabilities returns the server's CAPA listing. It is permitted in both
// the AUTHORIZATION and TRANSACTION states.
func (c *Client) Capabilities(ctx context.Context) ([]string, error) {
	resp, err := c.simple(ctx, Command{Verb: "CAPA"})
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// StartTLS issues STLS and, on success, upgrades the transport before any
// other command is sent. It is only permitted in the AUTHORIZATION state
// before authentication has been attempted. A failed handshake poisons the
// session.
func (c *Client) StartTLS(ctx context.Context, config *tls.Config) error {
	if c.authStarted {
		return fmt.Errorf("%w: STLS after authentication began", ErrIllegalState)
	}
	if _, err := c.simple(ctx, Command{Verb: "STLS"}); err != nil {
		return err
	}
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()
	if err := c.s.t.StartTLS(ctx, config); err != nil {
		c.s.poison(err)
		return err
	}
	c.log.Info("Upgraded connection to TLS")
	return nil
}

// Quit ends the session. From TRANSACTION the server enters UPDATE and
// removes the messages marked for deletion; a -ERR reply means some of them
// could not be removed. The session is closed regardless of the reply.
func (c *Client) Quit(ctx context.Context) error {
	cmd := Command{Verb: "QUIT"}
	wire, err := c.s.prepare(cmd)
	if err != nil {
		return err
	}
	if c.s.state == StateTransaction {
		c.s.setState(StateUpdate)
	}
	resp, err := c.s.roundTrip(ctx, cmd, wire)
	c.s.finish()
	if err != nil {
		return err
	}
	if !resp.OK {
		return &ServerError{Command: cmd.Verb, Message: resp.Message}
	}
	c.log.Info("Session closed", zap.String("reply", resp.Message))
	return nil
}
