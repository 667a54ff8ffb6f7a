// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server accepts client sessions and wires the queue store,
// the inventory, and the scheduler together into the backend process.
package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel-hpdd/logging/alert"
	"github.com/intel-hpdd/logging/audit"
	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/fileop"
	"github.com/bistack/LTFS-Data-Management/inventory"
	"github.com/bistack/LTFS-Data-Management/queue"
	"github.com/bistack/LTFS-Data-Management/scheduler"
	"github.com/bistack/LTFS-Data-Management/term"
)

type (
	// Config is the daemon configuration, decoded from the HCL
	// config file by the main package.
	Config struct {
		SocketPath string `hcl:"socket_path"`
		DBPath     string `hcl:"db_path"`
		PoolFile   string `hcl:"pool_file"`
		LockFile   string `hcl:"lock_file"`
		KeyFile    string `hcl:"key_file"`

		// Sim configures the simulated library.
		SimDrives    int     `hcl:"sim_drives"`
		SimCartCaps  []int64 `hcl:"sim_cart_caps"`
	}

	// Server is the backend process state.
	Server struct {
		cfg      *Config
		key      int64
		instance string
		lockFd   int

		store *queue.Store
		inv   *inventory.Inventory
		lib   inventory.Library
		fs    fileop.FileSystem
		dm    fileop.DataMover
		sched *scheduler.Scheduler
		flags *term.Flags

		termMtx  sync.Mutex
		reqNum   int64
		listener net.Listener

		statsStop chan struct{}
		schedDone chan struct{}
	}
)

// New builds the backend around the simulated library configured in
// cfg. Production deployments hand their own collaborators to
// NewWithCollaborators.
func New(cfg *Config) (*Server, error) {
	drives := cfg.SimDrives
	if drives == 0 {
		drives = 2
	}
	caps := cfg.SimCartCaps
	if len(caps) == 0 {
		caps = []int64{1 << 20, 1 << 20}
	}

	mapfs := fileop.NewMapFs()
	return NewWithCollaborators(cfg, inventory.NewSimLibrary(drives, caps),
		mapfs, fileop.NewNoopMover(mapfs))
}

// NewWithCollaborators builds the backend: takes the instance lock,
// generates the session key, and wires the components around the
// given library, file system, and data mover.
func NewWithCollaborators(cfg *Config, lib inventory.Library,
	fs fileop.FileSystem, dm fileop.DataMover) (*Server, error) {

	s := &Server{
		cfg:       cfg,
		instance:  uuid.New(),
		flags:     &term.Flags{},
		statsStop: make(chan struct{}),
		schedDone: make(chan struct{}),
	}

	if err := s.lock(); err != nil {
		return nil, err
	}
	if err := s.writeKey(); err != nil {
		return nil, err
	}

	var err error
	s.store, err = queue.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecoverInProgress(); err != nil {
		return nil, err
	}
	s.lib = lib
	s.inv, err = inventory.New(lib, cfg.PoolFile)
	if err != nil {
		return nil, err
	}
	s.fs = fs
	s.dm = dm
	s.sched = scheduler.New(s.store, s.inv, s.lib, s.fs, s.dm, s.flags, s.NextReqNum)
	return s, nil
}

// lock takes the exclusive instance lock. A second backend on the
// same host fails here.
func (s *Server) lock() error {
	fd, err := unix.Open(s.cfg.LockFile, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return errors.Wrap(err, "open lock file failed")
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "backend already running")
	}
	s.lockFd = fd

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := unix.Write(fd, []byte(pid)); err != nil {
		alert.Warnf("unable to record pid: %v", err)
	}
	return nil
}

// writeKey generates the session key and publishes it in the
// rendezvous file for local clients.
func (s *Server) writeKey() error {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return errors.Wrap(err, "key generation failed")
	}
	s.key = int64(binary.BigEndian.Uint64(raw[:]) >> 1)

	data := fmt.Sprintf("%d\n%s\n", s.key, s.instance)
	err := os.WriteFile(s.cfg.KeyFile, []byte(data), 0600)
	return errors.Wrap(err, "write key file failed")
}

// Flags returns the termination flags.
func (s *Server) Flags() *term.Flags {
	return s.flags
}

// NextReqNum hands out the next request number.
func (s *Server) NextReqNum() int64 {
	return atomic.AddInt64(&s.reqNum, 1)
}

// Run starts the scheduler and serves client sessions until the
// listener is shut down, then drains.
func (s *Server) Run() error {
	os.Remove(s.cfg.SocketPath)
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return errors.Wrap(err, "listen on backend socket failed")
	}
	s.listener = listener

	go func() {
		s.sched.Run()
		close(s.schedDone)
	}()
	go s.sched.Stats().Run(s.statsStop)

	// Requests recovered from a previous run are waiting already.
	s.sched.Invoke()

	audit.Logf("backend ready (instance %s)", s.instance)

	for {
		sock, err := listener.Accept()
		if err != nil {
			debug.Printf("accept loop ending: %v", err)
			break
		}
		mp := &messageParser{srv: s, conn: comm.NewConn(sock)}
		go mp.run()
	}

	// The listener is gone; make sure the scheduler sees the
	// termination flags and drains.
	s.flags.Terminate(false, false)
	s.sched.Invoke()
	<-s.schedDone
	close(s.statsStop)

	s.store.Close()
	os.Remove(s.cfg.SocketPath)
	os.Remove(s.cfg.KeyFile)
	unix.Flock(s.lockFd, unix.LOCK_UN)
	unix.Close(s.lockFd)
	audit.Log("backend terminated")
	return nil
}

// Shutdown unblocks the accept loop. Safe to call from the signal
// handler and from the stop handler.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Store exposes the queue store. Test use.
func (s *Server) Store() *queue.Store {
	return s.store
}
