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

// Command spawn-serverd is the server binary: it accepts POST
// /posix_spawn requests and, for each one, launches a reexec'd spawner
// child that hands the target process to the calling client.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	// Imported for its init-time reexec.Register call; the spawner-child
	// entry point must be registered before reexec.Init runs below.
	_ "spawnsrv/internal/spawnchild"

	"spawnsrv/internal/config"
	"spawnsrv/internal/reexec"
	"spawnsrv/internal/spawnserver"
)

func main() {
	// Must run before anything else: if this process was launched as a
	// reexec'd spawner child, Init runs its entry point and never
	// returns.
	if reexec.Init() {
		return
	}

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&serveCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type serveCommand struct {
	configPath string
	conf       config.Config
}

func (*serveCommand) Name() string     { return "serve" }
func (*serveCommand) Synopsis() string { return "run the spawn server" }
func (*serveCommand) Usage() string {
	return "serve [flags]\n  Run the spawn server, listening for POST /posix_spawn requests.\n"
}

func (c *serveCommand) SetFlags(f *flag.FlagSet) {
	c.conf = config.Default()
	f.StringVar(&c.configPath, "config", "", "path to a spawnsrv.toml config file")
	c.conf.RegisterFlags(f)
}

func (c *serveCommand) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf, err := config.Load(c.configPath, f, c.conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	c.conf = conf

	log := newLogger(c.conf)

	fileLock := flock.New(c.conf.LockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		log.WithError(err).Error("acquiring single-instance lock")
		return subcommands.ExitFailure
	}
	if !locked {
		log.WithField("path", c.conf.LockPath).Error("another spawn-serverd instance is already running")
		return subcommands.ExitFailure
	}
	defer fileLock.Unlock()

	listener, err := listenerFor(c.conf.Addr)
	if err != nil {
		log.WithError(err).Error("binding listener")
		return subcommands.ExitFailure
	}

	srv := spawnserver.New(
		spawnserver.WithLogger(log),
		spawnserver.WithRateLimit(c.conf.RateLimitPerSec),
	)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("sd_notify failed")
	} else if sent {
		log.Debug("notified systemd of readiness")
	}

	log.WithField("addr", listener.Addr()).Info("spawn-serverd listening")
	if err := http.Serve(listener, srv.Engine()); err != nil {
		log.WithError(err).Error("server exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// listenerFor returns a systemd-activated listener if one was passed
// down via LISTEN_FDS, falling back to binding addr directly.
func listenerFor(addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("checking systemd socket activation: %w", err)
	}
	if len(listeners) > 0 {
		return listeners[0], nil
	}
	return net.Listen("tcp", addr)
}

func newLogger(conf config.Config) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(conf.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if conf.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
