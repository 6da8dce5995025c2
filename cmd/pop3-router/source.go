// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"src.bluestatic.org/pop3client/pkg/pop3"
)

type Source interface {
	// Connect dials the server and opens the maildrop.
	Connect(context.Context) error
	// GetMessages returns the list of available messages on the server. The
	// returned Message objects are only valid until `Close` is called.
	GetMessages(context.Context) ([]Message, error)
	// Reset attempts to rollback the transaction on the server.
	Reset(context.Context) error
	// Close commits the transaction and releases any connection resources on
	// the Source.
	Close(context.Context) error
}

type Message interface {
	// ID is stable across sessions when the server supports UIDL.
	ID() string
	Content(context.Context) (io.ReadCloser, error)
	Delete(context.Context) error
}

// NewSource creates an interface for accessing a message source. The returned
// object is *not* goroutine safe.
func NewSource(config ServerConfig, log *zap.Logger) Source {
	switch config.Type {
	case ServerTypePOP3:
		return &pop3Source{
			c:   config,
			log: log,
		}
	default:
		panic("Unsupported source server type")
	}
}

type pop3Source struct {
	c   ServerConfig
	log *zap.Logger

	// tlsConfig overrides the default client config, which verifies the
	// server name of ServerAddr against the system roots.
	tlsConfig *tls.Config

	client *pop3.Client
}

type pop3Message struct {
	s      *pop3Source
	number int
	id     string
}

func (m *pop3Message) ID() string { return m.id }

func (m *pop3Message) Content(ctx context.Context) (io.ReadCloser, error) {
	if m.s.client == nil {
		return nil, errNotConnected
	}
	body, err := m.s.client.Retrieve(ctx, m.number)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(body.Reader()), nil
}

func (m *pop3Message) Delete(ctx context.Context) error {
	if m.s.client == nil {
		return errNotConnected
	}
	return m.s.client.Delete(ctx, m.number)
}

var errNotConnected = fmt.Errorf("Source is not connected")

func (s *pop3Source) makeTLSConfig() (*tls.Config, error) {
	config := &tls.Config{}
	if s.tlsConfig != nil {
		config = s.tlsConfig.Clone()
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(s.c.ServerAddr)
		if err != nil {
			return nil, err
		}
		config.ServerName = host
	}
	return config, nil
}

func (s *pop3Source) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}

	tlsConfig, err := s.makeTLSConfig()
	if err != nil {
		return err
	}

	var nc net.Conn
	if s.c.UseTLS {
		d := &tls.Dialer{Config: tlsConfig}
		nc, err = d.DialContext(ctx, "tcp", s.c.ServerAddr)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", s.c.ServerAddr)
	}
	if err != nil {
		return err
	}

	desc := s.c.LogDescription()
	client, err := pop3.Connect(ctx, pop3.NewAsyncConn(nc), s.log, &pop3.Options{
		Timeout: time.Duration(s.c.TimeoutSeconds) * time.Second,
		OnStateChange: func(from, to pop3.State) {
			sessionTransitions.WithLabelValues(desc, to.String()).Inc()
		},
	})
	if err != nil {
		return err
	}

	if s.c.StartTLS {
		if err := client.StartTLS(ctx, tlsConfig); err != nil {
			client.Close()
			return fmt.Errorf("STLS: %w", err)
		}
	}

	if err := s.authenticate(ctx, client); err != nil {
		client.Close()
		return err
	}
	s.client = client
	return nil
}

func (s *pop3Source) authenticate(ctx context.Context, client *pop3.Client) error {
	switch s.c.AuthMethod {
	case "", AuthMethodUser:
		return client.Login(ctx, s.c.Email, s.c.Password)
	case AuthMethodAPOP:
		ts := client.Timestamp()
		if ts == "" {
			return fmt.Errorf("Server greeting has no APOP timestamp")
		}
		return client.APOP(ctx, s.c.Email, pop3.APOPDigest(ts, s.c.Password))
	case AuthMethodPlain:
		return client.Authenticate(ctx, sasl.NewPlainClient("", s.c.Email, s.c.Password))
	default:
		return fmt.Errorf("Unsupported AuthMethod %q", s.c.AuthMethod)
	}
}

func (s *pop3Source) GetMessages(ctx context.Context) ([]Message, error) {
	if s.client == nil {
		return nil, errNotConnected
	}
	uids, err := s.client.UIDL(ctx)
	if err == nil {
		msgs := make([]Message, len(uids))
		for i, uid := range uids {
			msgs[i] = &pop3Message{s: s, number: uid.Number, id: uid.UID}
		}
		return msgs, nil
	}
	if !errors.Is(err, pop3.ErrRejected) || s.c.KeepOnServer {
		return nil, err
	}

	// Without UIDL the message number is the only identifier, which is
	// enough when every message is deleted after transfer.
	s.log.Info("Server does not support UIDL, falling back to LIST", zap.Error(err))
	infos, err := s.client.List(ctx)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, len(infos))
	for i, info := range infos {
		msgs[i] = &pop3Message{s: s, number: info.Number, id: strconv.Itoa(info.Number)}
	}
	return msgs, nil
}

func (s *pop3Source) Reset(ctx context.Context) error {
	if s.client == nil {
		return errNotConnected
	}
	return s.client.Reset(ctx)
}

func (s *pop3Source) Close(ctx context.Context) error {
	if s.client == nil {
		return errNotConnected
	}
	client := s.client
	s.client = nil
	if client.State() != pop3.StateTransaction {
		return client.Close()
	}
	return client.Quit(ctx)
}
