// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/pop3client/pkg/pop3"
)

type Monitor struct {
	c   MonitorConfig
	log *zap.Logger

	src Source
	dst Destination

	// seen is consulted only when the source keeps messages on the server.
	seen SeenStore
	key  string
}

func NewMonitor(config MonitorConfig, auth OAuthServer, seen SeenStore, log *zap.Logger) *Monitor {
	log = log.With(zap.String("source", config.Source.LogDescription()),
		zap.String("dest", config.Destination.LogDescription()))
	return &Monitor{
		c:    config,
		log:  log,
		src:  NewSource(config.Source, log),
		dst:  NewDestination(config.Destination, auth, log),
		seen: seen,
		key:  config.Source.LogDescription(),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if err := m.runOnce(ctx); err != nil {
		m.log.Error("Failed to start monitor", zap.Error(err))
		return err
	}

	go m.run(ctx)

	return nil
}

func (m *Monitor) run(ctx context.Context) {
	interval := time.Duration(m.c.PollIntervalSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Monitor stopping")
			return
		case <-time.After(interval):
			if err := m.runOnce(ctx); err != nil {
				m.log.Error("Poll failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) (err error) {
	m.log.Info("Polling for messages")
	start := time.Now()
	defer func() {
		pollDuration.WithLabelValues(m.key).Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		pollsTotal.WithLabelValues(m.key, result).Inc()
	}()

	if err := m.src.Connect(ctx); err != nil {
		return fmt.Errorf("Failed to connect to source: %w", err)
	}
	dstConn, err := m.dst.Connect(ctx)
	if err != nil {
		m.src.Close(ctx)
		return fmt.Errorf("Failed to connect to dest: %w", err)
	}

	msgs, err := m.src.GetMessages(ctx)
	if err != nil {
		m.src.Close(ctx)
		dstConn.Close()
		return fmt.Errorf("Failed to list messages: %w", err)
	}

	for _, msg := range msgs {
		log := m.log.With(zap.String("id", msg.ID()))

		if m.keepOnServer() {
			seen, err := m.seen.Seen(ctx, m.key, msg.ID())
			if err != nil {
				log.Error("Failed to check message state", zap.Error(err))
				continue
			}
			if seen {
				messagesTotal.WithLabelValues(m.key, "skipped").Inc()
				continue
			}
		}

		log.Info("Transferring message to destination")
		err := m.transferMessageTo(ctx, msg, dstConn, log)
		if err == nil {
			messagesTotal.WithLabelValues(m.key, "transferred").Inc()
			log.Info("Successfully transferred message")
			continue
		}
		messagesTotal.WithLabelValues(m.key, "failed").Inc()
		log.Error("Failed to transfer message", zap.Error(err))
		if pop3.IsFatal(err) {
			// The session is unusable; the remaining messages wait for the
			// next poll.
			break
		}
	}

	if m.keepOnServer() {
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID()
		}
		if err := m.seen.Forget(ctx, m.key, ids); err != nil {
			m.log.Error("Failed to prune message state", zap.Error(err))
		}
	}

	srcErr := m.src.Close(ctx)
	dstErr := dstConn.Close()
	if srcErr != nil {
		return fmt.Errorf("Failed to close source: %w", srcErr)
	}
	if dstErr != nil {
		return fmt.Errorf("Failed to close dest: %w", dstErr)
	}

	return nil
}

func (m *Monitor) keepOnServer() bool {
	return m.c.Source.KeepOnServer && m.seen != nil
}

func (m *Monitor) transferMessageTo(ctx context.Context, msg Message, dst DestinationConnection, log *zap.Logger) error {
	r, err := msg.Content(ctx)
	if err != nil {
		return fmt.Errorf("Failed to get message content: %w", err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("Failed to read message content: %w", err)
	}

	info := parseMessageInfo(body)
	log.Debug("Read message",
		zap.String("subject", info.Subject),
		zap.String("message_id", info.MessageID),
		zap.Int("size", len(body)))

	content := getReceivedInfo(m.c, time.Now())
	content = append(content, body...)

	if err := dst.AddMessage(ctx, content); err != nil {
		return fmt.Errorf("Failed to add message to destination: %w", err)
	}
	messageSize.Observe(float64(len(content)))

	if m.keepOnServer() {
		if err := m.seen.MarkSeen(ctx, m.key, msg.ID()); err != nil {
			return fmt.Errorf("Failed to record transferred message: %w", err)
		}
		return nil
	}
	if err := msg.Delete(ctx); err != nil {
		return fmt.Errorf("Failed to mark source message as deleted: %w", err)
	}
	return nil
}

func getReceivedInfo(cfg MonitorConfig, t time.Time) []byte {
	rcpt := cfg.Destination.Email
	if rcpt == "" {
		rcpt = cfg.Source.Email
	}
	line := fmt.Sprintf(
		"Received: from <%s> (via %s) by pop3-router\r\n        for <%s> (via %s); %s\r\n",
		cfg.Source.Email, cfg.Source.Type,
		rcpt, cfg.Destination.Type,
		t.Format(time.RFC1123Z))
	return []byte(line)
}
