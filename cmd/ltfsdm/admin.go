// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/urfave/cli.v1"

	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
)

func init() {
	commands = append(commands, cli.Command{
		Name:   "start",
		Usage:  "Start the backend daemon",
		Action: startAction,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "daemon, b",
				Usage: "Path to the daemon binary",
				Value: "ltfsdmd",
			},
		},
	}, cli.Command{
		Name:   "stop",
		Usage:  "Stop the backend daemon",
		Action: stopAction,
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "x",
				Usage: "Force the stop, abandoning running requests",
			},
			cli.BoolFlag{
				Name:  "f",
				Usage: "Let running requests finish but refuse new requests",
			},
			cli.StringFlag{
				Name:  "lockfile",
				Usage: "Path to the backend lock file",
				Value: comm.DefaultLockFile,
			},
		},
	}, cli.Command{
		Name:      "add",
		Usage:     "Manage a file system",
		ArgsUsage: "<fs>",
		Action:    addAction,
	}, cli.Command{
		Name:   "status",
		Usage:  "Show whether the backend is running",
		Action: statusAction,
	}, cli.Command{
		Name:   "retrieve",
		Usage:  "Re-read the physical library state",
		Action: retrieveAction,
	})
}

func startAction(c *cli.Context) error {
	cmd := exec.Command(c.String("daemon"))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return cli.NewExitError(fmt.Sprintf("unable to start the backend: %s", err), comm.GeneralError)
	}
	debug.Printf("backend started as pid %d", cmd.Process.Pid)
	go cmd.Wait()

	for i := 0; i < 30; i++ {
		cl, err := connect(c)
		if err == nil {
			err = cl.Send(&comm.Message{Status: &comm.StatusRequest{Key: cl.Key()}})
			if err == nil {
				if resp, err := cl.Recv(); err == nil && resp.StatusResp != nil && resp.StatusResp.Success {
					fmt.Printf("backend started, pid %d\n", resp.StatusResp.Pid)
					cl.Close()
					return nil
				}
			}
			cl.Close()
		}
		time.Sleep(time.Second)
	}
	return cli.NewExitError("backend did not come up", comm.CommError)
}

func stopAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	fmt.Println("the backend is terminating")

	for {
		err = cl.Send(&comm.Message{Stop: &comm.StopRequest{
			Key:       cl.Key(),
			ReqNumber: cl.ReqNumber(),
			Forced:    c.Bool("x"),
			Finish:    c.Bool("f"),
		}})
		if err != nil {
			return codeError(comm.CommError)
		}
		resp, err := cl.Recv()
		if err != nil || resp.StopResp == nil {
			return codeError(comm.CommError)
		}
		if resp.StopResp.Success {
			break
		}
		fmt.Println("waiting for running requests to complete")
		time.Sleep(time.Second)
	}

	// The backend holds its lock as long as it is operating; wait
	// for the lock to become takable to see it gone.
	fd, err := unix.Open(c.String("lockfile"), unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("unable to open lock file: %s", err), comm.GeneralError)
	}
	defer unix.Close(fd)

	for unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB) != nil {
		fmt.Println("waiting for the termination of the backend")
		time.Sleep(time.Second)
	}
	unix.Flock(fd, unix.LOCK_UN)
	fmt.Println("backend terminated")
	return nil
}

func addAction(c *cli.Context) error {
	if len(c.Args()) != 1 {
		return cli.NewExitError("exactly one file system required", comm.GeneralError)
	}
	path, err := filepath.Abs(c.Args()[0])
	if err != nil {
		return cli.NewExitError(err.Error(), comm.GeneralError)
	}

	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{Add: &comm.AddRequest{
		Key:        cl.Key(),
		ReqNumber:  cl.ReqNumber(),
		ManagedFs:  path,
		MountPoint: path,
		FsName:     filepath.Base(path),
	}})
	if err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.AddResp == nil {
		return codeError(comm.CommError)
	}
	switch resp.AddResp.Response {
	case comm.OK:
		fmt.Printf("%s is now managed\n", path)
		return nil
	case comm.FsAlreadyManaged:
		fmt.Printf("%s is already managed\n", path)
		return nil
	default:
		return codeError(resp.AddResp.Response)
	}
}

func statusAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{Status: &comm.StatusRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.StatusResp == nil || !resp.StatusResp.Success {
		return codeError(comm.CommError)
	}
	fmt.Printf("the backend is running, pid %d\n", resp.StatusResp.Pid)
	return nil
}

func retrieveAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{Retrieve: &comm.RetrieveRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.RetrieveResp == nil {
		return codeError(comm.CommError)
	}
	if resp.RetrieveResp.Error != comm.OK {
		return codeError(resp.RetrieveResp.Error)
	}
	fmt.Println("library inventory refreshed")
	return nil
}
