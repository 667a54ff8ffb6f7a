// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/queue"
)

func init() {
	commands = append(commands, cli.Command{
		Name:      "recall",
		Usage:     "Recall migrated file data back from tape",
		ArgsUsage: "[path [path...]]",
		Action:    recallAction,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "state, s",
				Usage: "Target state: r (resident) or p (premigrated)",
				Value: "r",
			},
		},
	})
}

func recallAction(c *cli.Context) error {
	var target queue.FileState
	switch c.String("state") {
	case "r":
		target = queue.Resident
	case "p":
		target = queue.Premigrated
	default:
		return cli.NewExitError("invalid target state, use r or p", comm.GeneralError)
	}

	if len(c.Args()) == 0 {
		return cli.NewExitError("no files specified", comm.GeneralError)
	}

	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{SelRec: &comm.SelRecRequest{
		Key:         cl.Key(),
		ReqNumber:   cl.ReqNumber(),
		Pid:         int64(os.Getpid()),
		TargetState: int(target),
	}})
	if err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.SelRecResp == nil {
		return codeError(comm.CommError)
	}
	if resp.SelRecResp.Error != comm.OK {
		return codeError(resp.SelRecResp.Error)
	}

	if err := sendObjects(cl, c.Args()); err != nil {
		return err
	}
	return streamStatus(cl)
}
