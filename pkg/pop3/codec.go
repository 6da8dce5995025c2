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
	"strings"
	"unicode"
)

// RFC 2449 § 4: a command line, including CRLF, is at most 255 octets.
const maxCommandLength = 255

// Command is a POP3 verb and its arguments.
type Command struct {
	Verb string
	Args []string
}

// Encode produces the wire form of the command. An argument that is empty or
// contains whitespace or control characters fails with ErrInvalidArgument.
func (c Command) Encode() ([]byte, error) {
	if err := validateArg(c.Verb); err != nil {
		return nil, fmt.Errorf("%w: verb: %v", ErrInvalidArgument, err)
	}
	var b strings.Builder
	b.WriteString(c.Verb)
	for i, arg := range c.Args {
		if err := validateArg(arg); err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", ErrInvalidArgument, c.Verb, i+1, err)
		}
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	b.WriteString("\r\n")
	if b.Len() > maxCommandLength {
		return nil, fmt.Errorf("%w: %s command is %d octets, limit is %d", ErrInvalidArgument, c.Verb, b.Len(), maxCommandLength)
	}
	return []byte(b.String()), nil
}

func validateArg(arg string) error {
	if arg == "" {
		return errors.New("empty")
	}
	for _, r := range arg {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("contains %q", r)
		}
	}
	return nil
}

// Multiline reports whether a positive response to the command carries a
// dot-terminated body.
func (c Command) Multiline() bool {
	switch c.Verb {
	case "RETR", "TOP", "CAPA":
		return true
	case "LIST", "UIDL":
		return len(c.Args) == 0
	}
	return false
}

// String returns the command for logging, with secrets masked.
func (c Command) String() string {
	args := c.Args
	switch c.Verb {
	case "PASS":
		args = []string{"****"}
	case "APOP":
		if len(args) == 2 {
			args = []string{args[0], "****"}
		}
	case "AUTH":
		if len(args) == 2 {
			args = []string{args[0], "****"}
		}
	}
	if len(args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(args, " ")
}

// Response is a decoded server reply.
type Response struct {
	OK      bool
	Message string
	// Lines is the un-stuffed multi-line body, without the terminator. It is
	// only set for positive responses to multi-line commands.
	Lines []string
}

// parseStatusLine splits a +OK or -ERR line into its status and message.
func parseStatusLine(line string) (ok bool, msg string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(line, "+OK"):
		ok, rest = true, line[3:]
	case strings.HasPrefix(line, "-ERR"):
		ok, rest = false, line[4:]
	default:
		return false, "", fmt.Errorf("%w: malformed status line %q", ErrProtocol, line)
	}
	return ok, strings.TrimPrefix(rest, " "), nil
}

type lineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// readResponse decodes a status line and, for a positive multi-line reply,
// the body that follows it. Nothing past the reply is consumed.
func readResponse(ctx context.Context, r lineReader, multiline bool) (*Response, error) {
	line, err := r.ReadLine(ctx)
	if err != nil {
		return nil, err
	}
	ok, msg, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}
	resp := &Response{OK: ok, Message: msg}
	if ok && multiline {
		if resp.Lines, err = readBody(ctx, r); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func readBody(ctx context.Context, r lineReader) ([]string, error) {
	lines := []string{}
	for {
		line, err := r.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return nil, fmt.Errorf("%w after %d lines: %w", ErrTruncated, len(lines), err)
			}
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, unstuffLine(line))
	}
}

// unstuffLine removes the leading '.' a sender added to a body line.
func unstuffLine(line string) string {
	return strings.TrimPrefix(line, ".")
}
