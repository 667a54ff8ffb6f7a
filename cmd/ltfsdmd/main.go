// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// ltfsdmd is the backend daemon: it owns the request queues, the
// library inventory, and the scheduler, and serves client sessions
// on a local socket.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/hcl"
	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/server"
)

// DefaultConfigPath is the default path to the daemon config file.
const DefaultConfigPath = "/etc/ltfsdm/ltfsdmd.conf"

var optConfigPath string

func init() {
	flag.StringVar(&optConfigPath, "config", DefaultConfigPath, "Path to daemon config")
	flag.Var(debug.FlagVar())
}

func defaultConfig() *server.Config {
	return &server.Config{
		SocketPath: comm.DefaultSocketPath,
		DBPath:     "/var/lib/ltfsdm/queue.db",
		PoolFile:   "/var/lib/ltfsdm/pools.conf",
		LockFile:   comm.DefaultLockFile,
		KeyFile:    comm.DefaultKeyFile,
	}
}

// loadConfig reads the HCL config at the supplied path into cfg.
func loadConfig(configPath string, cfg *server.Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "read config file failed")
	}
	if err := hcl.Decode(cfg, string(data)); err != nil {
		return errors.Wrap(err, "decode config file failed")
	}
	return nil
}

func interruptHandler(once func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		stopping := false
		for sig := range c {
			debug.Printf("signal received: %s", sig)
			if !stopping {
				stopping = true
				once()
			}
		}
	}()
}

func main() {
	flag.Parse()

	cfg := defaultConfig()
	if err := loadConfig(optConfigPath, cfg); err != nil {
		if !(optConfigPath == DefaultConfigPath && os.IsNotExist(errors.Cause(err))) {
			alert.Abort(errors.Wrap(err, "failed to load config"))
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		alert.Abort(errors.Wrap(err, "error creating backend"))
	}

	interruptHandler(func() {
		srv.Shutdown()
	})

	if err := srv.Run(); err != nil {
		alert.Abort(errors.Wrap(err, "error in backend"))
	}
}
