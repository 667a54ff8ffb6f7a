// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/queue"
)

// objectBatchSize bounds one SendObjects frame.
const objectBatchSize = 1000

func init() {
	commands = append(commands, cli.Command{
		Name:      "migrate",
		Usage:     "Migrate file data to tape",
		ArgsUsage: "[path [path...]]",
		Action:    migrateAction,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "pool, P",
				Usage: "Comma-separated list of up to three target pools (one per copy)",
			},
			cli.StringFlag{
				Name:  "state, s",
				Usage: "Target state: p (premigrated) or m (migrated)",
				Value: "m",
			},
		},
	})
}

func migrateAction(c *cli.Context) error {
	var target queue.FileState
	switch c.String("state") {
	case "p":
		target = queue.Premigrated
	case "m":
		target = queue.Migrated
	default:
		return cli.NewExitError("invalid target state, use p or m", comm.GeneralError)
	}

	if len(c.Args()) == 0 {
		return cli.NewExitError("no files specified", comm.GeneralError)
	}

	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{Mig: &comm.MigRequest{
		Key:         cl.Key(),
		ReqNumber:   cl.ReqNumber(),
		Pid:         int64(os.Getpid()),
		Pools:       c.String("pool"),
		TargetState: int(target),
	}})
	if err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.MigResp == nil {
		return codeError(comm.CommError)
	}
	if resp.MigResp.Error != comm.OK {
		return codeError(resp.MigResp.Error)
	}

	if err := sendObjects(cl, c.Args()); err != nil {
		return err
	}
	return streamStatus(cl)
}

// sendObjects streams file names in batches, terminated by an empty
// name.
func sendObjects(cl *comm.Client, paths []string) error {
	names := append([]string{}, paths...)
	names = append(names, "")

	for len(names) > 0 {
		batch := names
		if len(batch) > objectBatchSize {
			batch = batch[:objectBatchSize]
		}
		names = names[len(batch):]

		err := cl.Send(&comm.Message{SendObjects: &comm.SendObjects{FileNames: batch}})
		if err != nil {
			return codeError(comm.CommError)
		}
		resp, err := cl.Recv()
		if err != nil || resp.SendObjectsResp == nil {
			return codeError(comm.CommError)
		}
	}
	return nil
}

// streamStatus polls the request status until every file reached a
// terminal state.
func streamStatus(cl *comm.Client) error {
	for {
		err := cl.Send(&comm.Message{ReqStatus: &comm.ReqStatusRequest{
			Key:       cl.Key(),
			ReqNumber: cl.ReqNumber(),
			Pid:       int64(os.Getpid()),
		}})
		if err != nil {
			return codeError(comm.CommError)
		}
		resp, err := cl.Recv()
		if err != nil || resp.ReqStatusResp == nil {
			return codeError(comm.CommError)
		}
		st := resp.ReqStatusResp

		fmt.Printf("resident: %d premigrated: %d migrated: %d failed: %d\n",
			st.Resident, st.Premigrated, st.Migrated, st.Failed)

		if st.Done {
			if st.Failed > 0 {
				return cli.NewExitError("some files failed", comm.GeneralError)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}
