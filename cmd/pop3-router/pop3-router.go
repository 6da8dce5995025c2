// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"src.bluestatic.org/pop3client/pkg/version"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s config.{json,toml}\n", os.Args[0])
		os.Exit(1)
	}

	if os.Args[1] == "version" {
		fmt.Print(version.VersionString)
		os.Exit(0)
	}

	config, err := LoadConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config file: %s\n", err)
		os.Exit(2)
	}

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	logConfig.Level.SetLevel(zap.InfoLevel)
	log, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(4)
	}

	log.Info("Starting pop3-router")

	if err := config.Validate(); err != nil {
		log.Fatal("Invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var oauthServer OAuthServer
	if config.NeedsOAuth() {
		clientSecret, err := os.ReadFile(config.OAuthServer.CredentialsPath)
		if err != nil {
			log.Fatal("Failed to read client secret", zap.Error(err))
		}
		oauthConfig, err := google.ConfigFromJSON(clientSecret, gmail.GmailInsertScope)
		if err != nil {
			log.Fatal("Failed to load API config", zap.Error(err))
		}
		oauthServer = RunOAuthServer(ctx, config.OAuthServer, oauthConfig, log)
	}

	var seen SeenStore
	if config.StateDB != "" {
		store, err := OpenSeenStore(config.StateDB)
		if err != nil {
			log.Fatal("Failed to open state database", zap.Error(err))
		}
		defer store.Close()
		seen = store
	}

	if config.MetricsAddr != "" {
		RunMetricsServer(ctx, config.MetricsAddr, log)
	}

	for i, mc := range config.Monitor {
		m := NewMonitor(mc, oauthServer, seen, log)
		if err := m.Start(ctx); err != nil {
			log.Fatal("Failed to start monitor", zap.Int("index", i), zap.Error(err))
		}
	}

	log.Info("Successfully started all monitors")

	<-ctx.Done()
	log.Info("Shutting down")
}
