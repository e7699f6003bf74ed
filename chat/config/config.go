// SPDX-FileCopyrightText: © 2026 Base Chat Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the chat client.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ThirteenKF/base-chat/core/log"
)

const defaultPollIntervalSeconds = 5

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// Ledger is the ledger store configuration.
type Ledger struct {
	// Store is the path of the bbolt store backing the in-process
	// ledger. An empty path keeps the ledger in memory only.
	Store string
}

// Encryption configures the unit encryption scheme.
type Encryption struct {
	// SecurityZone selects the key domain units are sealed under.
	SecurityZone uint8

	// ZoneSecret is the hex encoded zone secret.
	ZoneSecret string
}

// Config is the top level chat client configuration.
type Config struct {
	Logging    *Logging
	Ledger     *Ledger
	Encryption *Encryption

	// StateFile is the path of the encrypted statefile.
	StateFile string

	// WalletAddress is the ledger address of the active identity.
	WalletAddress string

	// PollIntervalSeconds is the period between conversation
	// refreshes.
	PollIntervalSeconds int
}

// PollInterval returns the conversation refresh period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ZoneSecret returns the decoded zone secret.
func (c *Config) ZoneSecret() ([]byte, error) {
	if c.Encryption == nil || c.Encryption.ZoneSecret == "" {
		return nil, errors.New("config: no zone secret configured")
	}
	return hex.DecodeString(c.Encryption.ZoneSecret)
}

// InitLogBackend initializes the logging backend per the configuration.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && c.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("log file path must be absolute path")
		}
	}
	logBackend, err := log.New(f, c.Logging.Level, c.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return logBackend, nil
}

// FixupAndValidate applies defaults and checks the configuration for
// consistency.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{Level: "NOTICE"}
	}
	if c.Ledger == nil {
		c.Ledger = &Ledger{}
	}
	if c.Encryption == nil {
		return errors.New("config: missing Encryption section")
	}
	if c.Encryption.ZoneSecret == "" {
		return errors.New("config: missing Encryption.ZoneSecret")
	}
	if _, err := hex.DecodeString(c.Encryption.ZoneSecret); err != nil {
		return fmt.Errorf("config: malformed Encryption.ZoneSecret: %v", err)
	}
	if c.StateFile == "" {
		return errors.New("config: missing StateFile")
	}
	if c.WalletAddress == "" {
		return errors.New("config: missing WalletAddress")
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
