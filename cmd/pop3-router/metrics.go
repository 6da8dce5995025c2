// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3router_polls_total",
			Help: "Total number of source polls.",
		},
		[]string{"source", "result"}, // result: "success", "error"
	)

	pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pop3router_poll_duration_seconds",
			Help:    "Duration of a source poll in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3router_messages_total",
			Help: "Total number of messages handled, by outcome.",
		},
		[]string{"source", "result"}, // result: "transferred", "failed", "skipped"
	)

	messageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pop3router_message_size_bytes",
			Help:    "Size of transferred messages in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3router_session_transitions_total",
			Help: "POP3 session state transitions, by destination state.",
		},
		[]string{"source", "state"},
	)
)

// RunMetricsServer serves the default registry at /metrics until ctx is done.
func RunMetricsServer(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Handler: mux,
		Addr:    addr,
	}
	go func() {
		log.Info("Starting metrics server", zap.String("addr", srv.Addr))
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			log.Info("Stopping metrics server")
		} else {
			log.Error("ListenAndServe", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
