// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State is the protocol state of a session.
type State int

const (
	StateAuthorization State = iota
	StateTransaction
	StateUpdate
	StateClosed
	// StatePoisoned is entered after a framing or transport failure. The
	// position in the byte stream is unknown and no further command is
	// accepted.
	StatePoisoned
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	case StateClosed:
		return "CLOSED"
	case StatePoisoned:
		return "POISONED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var legalCommands = map[State]map[string]bool{
	StateAuthorization: {
		"USER": true, "PASS": true, "APOP": true, "AUTH": true,
		"CAPA": true, "STLS": true, "QUIT": true,
	},
	StateTransaction: {
		"STAT": true, "LIST": true, "RETR": true, "DELE": true, "NOOP": true,
		"RSET": true, "TOP": true, "UIDL": true, "CAPA": true, "QUIT": true,
	},
}

// checkLegal is consulted before every command is encoded.
func checkLegal(st State, verb string) error {
	switch st {
	case StatePoisoned:
		return fmt.Errorf("%w: cannot send %s", ErrPoisoned, verb)
	case StateUpdate, StateClosed:
		return fmt.Errorf("%w: cannot send %s", ErrClosed, verb)
	}
	if !legalCommands[st][verb] {
		return fmt.Errorf("%w: %s in %s", ErrIllegalState, verb, st)
	}
	return nil
}

type session struct {
	t        Transport
	state    State
	greeting string
	timeout  time.Duration
	log      *zap.Logger

	onStateChange func(from, to State)
}

func (s *session) setState(st State) {
	if s.state == st {
		return
	}
	from := s.state
	s.state = st
	s.log.Debug("State changed", zap.Stringer("from", from), zap.Stringer("to", st))
	if s.onStateChange != nil {
		s.onStateChange(from, st)
	}
}

// withTimeout applies the default per-operation timeout when ctx carries no
// deadline of its own.
func (s *session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// poison moves the session to StatePoisoned and releases the transport.
func (s *session) poison(err error) {
	if s.state == StatePoisoned || s.state == StateClosed {
		return
	}
	s.log.Error("Session poisoned", zap.Error(err))
	s.setState(StatePoisoned)
	s.t.Close()
}

// finish ends a session that was closed on the client's initiative.
func (s *session) finish() {
	if s.state == StatePoisoned || s.state == StateClosed {
		return
	}
	s.setState(StateClosed)
	s.t.Close()
}

// prepare checks that cmd is legal in the current state and encodes it. It
// performs no I/O.
func (s *session) prepare(cmd Command) ([]byte, error) {
	if err := checkLegal(s.state, cmd.Verb); err != nil {
		return nil, err
	}
	return cmd.Encode()
}

// exchange performs one command/response round trip.
func (s *session) exchange(ctx context.Context, cmd Command) (*Response, error) {
	wire, err := s.prepare(cmd)
	if err != nil {
		return nil, err
	}
	return s.roundTrip(ctx, cmd, wire)
}

// roundTrip sends an already prepared command and decodes the reply. Any
// transport or framing failure poisons the session.
func (s *session) roundTrip(ctx context.Context, cmd Command, wire []byte) (*Response, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	log := s.log.With(zap.Stringer("command", cmd))
	log.Debug("Sending command")
	if err := s.write(ctx, wire); err != nil {
		log.Error("Failed to send command", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}
	resp, err := readResponse(ctx, s.t, cmd.Multiline())
	if err != nil {
		s.poison(err)
		log.Error("Failed to read reply", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}
	if resp.OK {
		log.Debug("Command succeeded", zap.String("reply", resp.Message), zap.Int("lines", len(resp.Lines)))
	} else {
		log.Info("Command rejected", zap.String("reply", resp.Message))
	}
	return resp, nil
}

func (s *session) write(ctx context.Context, p []byte) error {
	if err := s.t.Write(ctx, p); err != nil {
		s.poison(err)
		return err
	}
	return nil
}

func (s *session) readLine(ctx context.Context) (string, error) {
	line, err := s.t.ReadLine(ctx)
	if err != nil {
		s.poison(err)
		return "", err
	}
	return line, nil
}
