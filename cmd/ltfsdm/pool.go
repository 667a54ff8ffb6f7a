// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"gopkg.in/urfave/cli.v1"

	"github.com/bistack/LTFS-Data-Management/comm"
)

func init() {
	poolFlag := cli.StringFlag{
		Name:  "pool, P",
		Usage: "Pool name",
	}
	tapeFlag := cli.StringSliceFlag{
		Name:  "tape, t",
		Usage: "Tape cartridge id (repeatable)",
		Value: &cli.StringSlice{},
	}

	commands = append(commands, cli.Command{
		Name:  "pool",
		Usage: "Manage tape storage pools",
		Subcommands: []cli.Command{
			{
				Name:   "create",
				Usage:  "Create an empty pool",
				Flags:  []cli.Flag{poolFlag},
				Action: poolCreateAction,
			},
			{
				Name:   "delete",
				Usage:  "Delete an empty pool",
				Flags:  []cli.Flag{poolFlag},
				Action: poolDeleteAction,
			},
			{
				Name:   "add",
				Usage:  "Add tapes to a pool",
				Flags:  []cli.Flag{poolFlag, tapeFlag},
				Action: poolAddAction,
			},
			{
				Name:   "remove",
				Usage:  "Remove tapes from a pool",
				Flags:  []cli.Flag{poolFlag, tapeFlag},
				Action: poolRemoveAction,
			},
		},
	})
}

func poolName(c *cli.Context) (string, error) {
	name := c.String("pool")
	if name == "" {
		return "", cli.NewExitError("a pool name is required", comm.GeneralError)
	}
	return name, nil
}

func poolCreateAction(c *cli.Context) error {
	name, err := poolName(c)
	if err != nil {
		return err
	}
	return poolSingle(c, &comm.Message{PoolCreate: &comm.PoolCreateRequest{PoolName: name}})
}

func poolDeleteAction(c *cli.Context) error {
	name, err := poolName(c)
	if err != nil {
		return err
	}
	return poolSingle(c, &comm.Message{PoolDelete: &comm.PoolDeleteRequest{PoolName: name}})
}

func poolSingle(c *cli.Context, msg *comm.Message) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	if msg.PoolCreate != nil {
		msg.PoolCreate.Key = cl.Key()
	}
	if msg.PoolDelete != nil {
		msg.PoolDelete.Key = cl.Key()
	}
	if err := cl.Send(msg); err != nil {
		return codeError(comm.CommError)
	}
	resp, err := cl.Recv()
	if err != nil || resp.PoolResp == nil {
		return codeError(comm.CommError)
	}
	if resp.PoolResp.Response != comm.OK {
		return codeError(resp.PoolResp.Response)
	}
	return nil
}

func poolTapes(c *cli.Context, add bool) error {
	name, err := poolName(c)
	if err != nil {
		return err
	}
	tapes := c.StringSlice("tape")
	if len(tapes) == 0 {
		return cli.NewExitError("at least one tape is required", comm.GeneralError)
	}

	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	msg := &comm.Message{}
	if add {
		msg.PoolAdd = &comm.PoolAddRequest{Key: cl.Key(), PoolName: name, TapeIDs: tapes}
	} else {
		msg.PoolRemove = &comm.PoolRemoveRequest{Key: cl.Key(), PoolName: name, TapeIDs: tapes}
	}
	if err := cl.Send(msg); err != nil {
		return codeError(comm.CommError)
	}

	failures := 0
	for range tapes {
		resp, err := cl.Recv()
		if err != nil || resp.PoolResp == nil {
			return codeError(comm.CommError)
		}
		if resp.PoolResp.Response != comm.OK {
			failures++
			fmt.Printf("%s: %s\n", resp.PoolResp.TapeID,
				comm.ErrorText(resp.PoolResp.Response))
		}
	}
	if failures > 0 {
		return cli.NewExitError("not all tapes processed", comm.GeneralError)
	}
	return nil
}

func poolAddAction(c *cli.Context) error {
	return poolTapes(c, true)
}

func poolRemoveAction(c *cli.Context) error {
	return poolTapes(c, false)
}
