// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type ServerType string

const (
	ServerTypePOP3  ServerType = "pop3"
	ServerTypeGmail ServerType = "gmail"
	ServerTypeS3    ServerType = "s3"
)

type AuthMethod string

const (
	AuthMethodUser  AuthMethod = "user"
	AuthMethodAPOP  AuthMethod = "apop"
	AuthMethodPlain AuthMethod = "plain"
)

type ServerConfig struct {
	Type       ServerType
	ServerAddr string
	// UseTLS connects with implicit TLS (POP3S, or HTTPS for S3).
	UseTLS bool
	// StartTLS upgrades a plaintext POP3 connection with STLS.
	StartTLS bool

	Email string

	Password   string
	AuthMethod AuthMethod

	// KeepOnServer leaves transferred messages in the source maildrop and
	// records their unique-ids in the state database instead.
	KeepOnServer bool

	TimeoutSeconds int

	// S3 destination.
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// LogDescription returns a short identifier for the server, suitable for
// logs and metric labels.
func (c ServerConfig) LogDescription() string {
	switch c.Type {
	case ServerTypePOP3:
		return fmt.Sprintf("pop3:%s@%s", c.Email, c.ServerAddr)
	case ServerTypeS3:
		return fmt.Sprintf("s3:%s/%s", c.Bucket, c.Prefix)
	default:
		return fmt.Sprintf("%s:%s", c.Type, c.Email)
	}
}

type MonitorConfig struct {
	Source              ServerConfig
	Destination         ServerConfig
	PollIntervalSeconds int
}

type OAuthServerConfig struct {
	RedirectURL     string
	ListenAddr      string
	CredentialsPath string
	TokenStore      string
}

type Config struct {
	Monitor []MonitorConfig

	OAuthServer OAuthServerConfig

	// StateDB is the path of the sqlite database of messages transferred
	// from sources with KeepOnServer.
	StateDB string

	// MetricsAddr, if set, serves Prometheus metrics at /metrics.
	MetricsAddr string
}

// LoadConfig reads a JSON or, for a .toml extension, TOML config file.
func LoadConfig(path string) (*Config, error) {
	var config Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, err
		}
		return &config, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if len(c.Monitor) == 0 {
		return fmt.Errorf("No Monitor configured")
	}
	for i, mon := range c.Monitor {
		if mon.PollIntervalSeconds <= 0 {
			return fmt.Errorf("Monitor #%d: PollIntervalSeconds must be positive", i)
		}
		if err := validateSource(mon.Source); err != nil {
			return fmt.Errorf("Monitor #%d: Invalid Source: %w", i, err)
		}
		if err := validateDest(mon.Destination); err != nil {
			return fmt.Errorf("Monitor #%d: Invalid Destination: %w", i, err)
		}
		if mon.Source.KeepOnServer && c.StateDB == "" {
			return fmt.Errorf("Monitor #%d: KeepOnServer requires StateDB", i)
		}
		if mon.Destination.Type == ServerTypeGmail && c.OAuthServer.CredentialsPath == "" {
			return fmt.Errorf("Monitor #%d: gmail Destination requires OAuthServer.CredentialsPath", i)
		}
	}
	return nil
}

// NeedsOAuth reports whether any monitor delivers to Gmail.
func (c *Config) NeedsOAuth() bool {
	for _, mon := range c.Monitor {
		if mon.Destination.Type == ServerTypeGmail {
			return true
		}
	}
	return false
}

func validateSource(c ServerConfig) error {
	if c.Type != ServerTypePOP3 {
		return fmt.Errorf("Invalid Type: %q", c.Type)
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("Missing ServerAddr")
	}
	if c.Email == "" {
		return fmt.Errorf("Missing Email")
	}
	if c.UseTLS && c.StartTLS {
		return fmt.Errorf("UseTLS and StartTLS are mutually exclusive")
	}
	switch c.AuthMethod {
	case "", AuthMethodUser, AuthMethodAPOP, AuthMethodPlain:
	default:
		return fmt.Errorf("Invalid AuthMethod: %q", c.AuthMethod)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("Negative TimeoutSeconds")
	}
	return nil
}

func validateDest(c ServerConfig) error {
	switch c.Type {
	case ServerTypeGmail:
		if c.Email == "" {
			return fmt.Errorf("Missing Email")
		}
	case ServerTypeS3:
		if c.Endpoint == "" || c.Bucket == "" {
			return fmt.Errorf("Missing Endpoint or Bucket")
		}
		if (c.AccessKey == "") != (c.SecretKey == "") {
			return fmt.Errorf("AccessKey and SecretKey must be set together")
		}
	default:
		return fmt.Errorf("Invalid Type: %q", c.Type)
	}
	return nil
}
