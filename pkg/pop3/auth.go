// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"
)

// APOPDigest computes the RFC 1939 § 7 digest of the greeting timestamp,
// including its angle brackets, and the shared secret.
func APOPDigest(timestamp, secret string) string {
	sum := md5.Sum([]byte(timestamp + secret))
	return hex.EncodeToString(sum[:])
}

// authRejected converts a -ERR reply during authentication. The session
// stays in AUTHORIZATION and the caller may start over.
func authRejected(verb string, resp *Response) error {
	return &ServerError{Command: verb, Message: resp.Message, auth: true}
}

func (c *Client) authenticated(method string) {
	c.s.setState(StateTransaction)
	c.log.Info("Opened mailbox", zap.String("method", method))
}

// Login authenticates with USER and PASS. Both arguments are validated
// before anything is sent. A rejection of either command fails with an
// error matching ErrAuthFailed.
func (c *Client) Login(ctx context.Context, user, pass string) error {
	userCmd := Command{Verb: "USER", Args: []string{user}}
	passCmd := Command{Verb: "PASS", Args: []string{pass}}
	userWire, err := c.s.prepare(userCmd)
	if err != nil {
		return err
	}
	passWire, err := passCmd.Encode()
	if err != nil {
		return err
	}

	c.authStarted = true
	resp, err := c.s.roundTrip(ctx, userCmd, userWire)
	if err != nil {
		return err
	}
	if !resp.OK {
		return authRejected(userCmd.Verb, resp)
	}
	resp, err = c.s.roundTrip(ctx, passCmd, passWire)
	if err != nil {
		return err
	}
	if !resp.OK {
		return authRejected(passCmd.Verb, resp)
	}
	c.authenticated("USER")
	return nil
}

// APOP authenticates with a digest computed by the caller, typically
// APOPDigest(c.Timestamp(), secret).
func (c *Client) APOP(ctx context.Context, user, digest string) error {
	cmd := Command{Verb: "APOP", Args: []string{user, digest}}
	wire, err := c.s.prepare(cmd)
	if err != nil {
		return err
	}
	c.authStarted = true
	resp, err := c.s.roundTrip(ctx, cmd, wire)
	if err != nil {
		return err
	}
	if !resp.OK {
		return authRejected(cmd.Verb, resp)
	}
	c.authenticated("APOP")
	return nil
}

// Authenticate performs an RFC 5034 AUTH exchange driven by sc.
func (c *Client) Authenticate(ctx context.Context, sc sasl.Client) error {
	if err := checkLegal(c.s.state, "AUTH"); err != nil {
		return err
	}
	mech, ir, err := sc.Start()
	if err != nil {
		return fmt.Errorf("%w: AUTH: %w", ErrInvalidArgument, err)
	}
	cmd := Command{Verb: "AUTH", Args: []string{mech}}
	if ir != nil {
		cmd.Args = append(cmd.Args, encodeSASL(ir))
	}
	wire, err := cmd.Encode()
	if err != nil {
		return err
	}

	c.authStarted = true
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()
	log := c.log.With(zap.String("mechanism", mech))
	log.Debug("Sending command", zap.Stringer("command", cmd))
	if err := c.s.write(ctx, wire); err != nil {
		return fmt.Errorf("AUTH: %w", err)
	}
	for {
		line, err := c.s.readLine(ctx)
		if err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
		challenge, isChallenge := strings.CutPrefix(line, "+ ")
		if line == "+" {
			challenge, isChallenge = "", true
		}
		if !isChallenge {
			ok, msg, err := parseStatusLine(line)
			if err != nil {
				c.s.poison(err)
				return fmt.Errorf("AUTH: %w", err)
			}
			if !ok {
				return authRejected(cmd.Verb, &Response{Message: msg})
			}
			c.authenticated("AUTH " + mech)
			return nil
		}

		decoded, err := base64.StdEncoding.DecodeString(challenge)
		if err != nil {
			err = fmt.Errorf("%w: undecodable challenge %q", ErrProtocol, challenge)
			c.s.poison(err)
			return fmt.Errorf("AUTH: %w", err)
		}
		reply, clientErr := sc.Next(decoded)
		var out string
		if clientErr != nil {
			// A lone "*" cancels the exchange; the server answers -ERR.
			out = "*\r\n"
		} else {
			out = base64.StdEncoding.EncodeToString(reply) + "\r\n"
		}
		if err := c.s.write(ctx, []byte(out)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
		if clientErr != nil {
			line, err := c.s.readLine(ctx)
			if err != nil {
				return fmt.Errorf("AUTH: %w", err)
			}
			if _, _, err := parseStatusLine(line); err != nil {
				c.s.poison(err)
				return fmt.Errorf("AUTH: %w", err)
			}
			return fmt.Errorf("%w: AUTH %s: %w", ErrInvalidArgument, mech, clientErr)
		}
	}
}

// encodeSASL encodes an initial response; RFC 5034 § 4 uses "=" for an empty
// one.
func encodeSASL(ir []byte) string {
	if len(ir) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(ir)
}
