// Copyright 2024 The spawnsrv Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the ambient, non-wire settings of the spawn
// server binary: listen address, log level/format, and the
// lock file path. Flags take precedence over a TOML config file, which
// takes precedence over the defaults below.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the settings of cmd/spawn-serverd. cmd/spawnctl does not
// use it; it takes the server URL from its own -server flag.
type Config struct {
	// Addr is the address the server listens on.
	// Ignored by the server when systemd socket activation supplies a
	// listener instead (see cmd/spawn-serverd).
	Addr string `toml:"addr"`

	// LogLevel is one of logrus's level names: "debug", "info", "warn",
	// "error".
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// LockPath is the path of the single-instance advisory lock the
	// server holds for its lifetime.
	LockPath string `toml:"lock_path"`

	// RateLimitPerSec bounds the rate of accepted /posix_spawn requests.
	// Zero disables the limiter.
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
}

// Default returns the baseline configuration used when no file and no
// flags override a setting.
func Default() Config {
	return Config{
		Addr:            "127.0.0.1:8099",
		LogLevel:        "info",
		LogFormat:       "text",
		LockPath:        "/run/spawn-serverd.lock",
		RateLimitPerSec: 50,
	}
}

// RegisterFlags registers one flag per Config field onto flagSet, seeded
// with the values already in c.
func (c *Config) RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.StringVar(&c.Addr, "addr", c.Addr, "address to listen on")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	flagSet.StringVar(&c.LockPath, "lock-path", c.LockPath, "single-instance lock file path")
	flagSet.Float64Var(&c.RateLimitPerSec, "rate-limit", c.RateLimitPerSec, "max accepted requests per second, 0 disables")
}

// Load builds a Config starting from Default, overlaying path's contents
// if it is non-empty and exists, then re-applying whichever flags were
// explicitly passed on the command line so they win over both.
//
// flagSet must already have had RegisterFlags called on it and already
// be parsed (flagSet.Parse), and parsed must be the Config
// RegisterFlags was called on — its fields hold, per flag, either the
// command-line value (if the flag was passed) or the default it was
// registered with (if not). Load does not call RegisterFlags itself:
// doing so on a flagSet that already has these flags registered panics
// ("flag redefined"), since SetFlags/RegisterFlags already ran once
// before the command line was parsed.
func Load(path string, flagSet *flag.FlagSet, parsed Config) (Config, error) {
	c := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &c); err != nil {
				return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	// Only flags the user actually passed should override the file;
	// flagSet.Visit (unlike VisitAll) calls back only for those.
	flagSet.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			c.Addr = parsed.Addr
		case "log-level":
			c.LogLevel = parsed.LogLevel
		case "log-format":
			c.LogFormat = parsed.LogFormat
		case "lock-path":
			c.LockPath = parsed.LockPath
		case "rate-limit":
			c.RateLimitPerSec = parsed.RateLimitPerSec
		}
	})
	return c, nil
}
