// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"gopkg.in/urfave/cli.v1"

	"github.com/bistack/LTFS-Data-Management/comm"
)

func init() {
	reqFlag := cli.Int64Flag{
		Name:  "reqnum, n",
		Usage: "Restrict the listing to one request number",
		Value: comm.UNSET,
	}

	commands = append(commands, cli.Command{
		Name:  "info",
		Usage: "Show requests, jobs, files, file systems, drives, tapes, or pools",
		Subcommands: []cli.Command{
			{
				Name:   "requests",
				Usage:  "List queued and running requests",
				Flags:  []cli.Flag{reqFlag},
				Action: infoRequestsAction,
			},
			{
				Name:   "jobs",
				Usage:  "List the per-file jobs of requests",
				Flags:  []cli.Flag{reqFlag},
				Action: infoJobsAction,
			},
			{
				Name:   "files",
				Usage:  "List files known to the backend with their states",
				Flags:  []cli.Flag{reqFlag},
				Action: infoFilesAction,
			},
			{
				Name:   "fs",
				Usage:  "List managed file systems",
				Action: infoFsAction,
			},
			{
				Name:   "drives",
				Usage:  "List tape drives",
				Action: infoDrivesAction,
			},
			{
				Name:   "tapes",
				Usage:  "List tape cartridges",
				Action: infoTapesAction,
			},
			{
				Name:   "pools",
				Usage:  "List tape storage pools",
				Action: infoPoolsAction,
			},
		},
	})
}

func infoRequestsAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoReqs: &comm.InfoRequestsRequest{
		Key:       cl.Key(),
		ReqNumber: c.Int64("reqnum"),
	}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Printf("%-20s %-10s %-10s %-14s %-12s\n",
		"operation", "request", "tape", "target state", "state")
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoReqsResp == nil {
			return codeError(comm.CommError)
		}
		r := resp.InfoReqsResp
		if r.Operation == "" && r.ReqNumber == comm.UNSET {
			return nil
		}
		fmt.Printf("%-20s %-10d %-10s %-14s %-12s\n",
			r.Operation, r.ReqNumber, dash(r.TapeID), r.TargetState, r.State)
	}
}

func infoJobsAction(c *cli.Context) error {
	return listJobs(c, func(j *comm.InfoJobsResp) {
		fmt.Printf("%-20s %-10d %-4d %-10s %-10s %s\n",
			j.Operation, j.ReqNumber, j.ReplNum,
			humanize.IBytes(uint64(j.FileSize)), dash(j.TapeID), j.FileName)
	}, fmt.Sprintf("%-20s %-10s %-4s %-10s %-10s %s\n",
		"operation", "request", "repl", "size", "tape", "file"))
}

func infoFilesAction(c *cli.Context) error {
	return listJobs(c, func(j *comm.InfoJobsResp) {
		fmt.Printf("%-14s %s\n", j.State, j.FileName)
	}, fmt.Sprintf("%-14s %s\n", "state", "file"))
}

func listJobs(c *cli.Context, print func(*comm.InfoJobsResp), header string) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoJobs: &comm.InfoJobsRequest{
		Key:       cl.Key(),
		ReqNumber: c.Int64("reqnum"),
	}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Print(header)
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoJobsResp == nil {
			return codeError(comm.CommError)
		}
		j := resp.InfoJobsResp
		if j.Operation == "" && j.ReqNumber == comm.UNSET {
			return nil
		}
		print(j)
	}
}

func infoFsAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoFs: &comm.InfoFsRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Printf("%-30s %-16s %s\n", "path", "fs name", "mount point")
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoFsResp == nil {
			return codeError(comm.CommError)
		}
		fs := resp.InfoFsResp
		if fs.Path == "" {
			return nil
		}
		fmt.Printf("%-30s %-16s %s\n", fs.Path, fs.FsName, fs.MountPoint)
	}
}

func infoDrivesAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoDrives: &comm.InfoDrivesRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Printf("%-8s %-12s %-6s %-8s %s\n", "id", "device", "slot", "status", "busy")
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoDrivesResp == nil {
			return codeError(comm.CommError)
		}
		d := resp.InfoDrivesResp
		if d.ID == "" {
			return nil
		}
		fmt.Printf("%-8s %-12s %-6d %-8s %v\n", d.ID, d.DevName, d.Slot, d.Status, d.Busy)
	}
}

func infoTapesAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoTapes: &comm.InfoTapesRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Printf("%-10s %-6s %-10s %-10s %-8s %-10s %s\n",
		"id", "slot", "total", "free", "status", "pool", "state")
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoTapesResp == nil {
			return codeError(comm.CommError)
		}
		t := resp.InfoTapesResp
		if t.ID == "" {
			return nil
		}
		fmt.Printf("%-10s %-6d %-10s %-10s %-8s %-10s %s\n",
			t.ID, t.Slot,
			humanize.IBytes(uint64(t.TotalCap)<<20),
			humanize.IBytes(uint64(t.RemainCap)<<20),
			t.Status, dash(t.Pool), t.State)
	}
}

func infoPoolsAction(c *cli.Context) error {
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	err = cl.Send(&comm.Message{InfoPools: &comm.InfoPoolsRequest{Key: cl.Key()}})
	if err != nil {
		return codeError(comm.CommError)
	}

	fmt.Printf("%-16s %-10s %-10s %-10s %s\n", "pool", "total", "free", "unref", "tapes")
	for {
		resp, err := cl.Recv()
		if err != nil || resp.InfoPoolsResp == nil {
			return codeError(comm.CommError)
		}
		p := resp.InfoPoolsResp
		if p.PoolName == "" {
			return nil
		}
		fmt.Printf("%-16s %-10s %-10s %-10s %d\n",
			p.PoolName,
			humanize.IBytes(uint64(p.Total)<<20),
			humanize.IBytes(uint64(p.Free)<<20),
			humanize.IBytes(uint64(p.Unref)<<20),
			p.NumTapes)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
