// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// ltfsdm is the command-line client of the backend daemon.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/intel-hpdd/logging/debug"

	"github.com/bistack/LTFS-Data-Management/comm"
)

var commands []cli.Command
var version string // Set by build environment

func main() {
	app := cli.NewApp()
	app.Usage = "manage file migration to and from tape storage"
	app.Commands = commands
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Display debug logging to console",
		},
		cli.StringFlag{
			Name:  "socket",
			Usage: "Path to the backend socket",
			Value: comm.DefaultSocketPath,
		},
		cli.StringFlag{
			Name:  "keyfile",
			Usage: "Path to the backend key file",
			Value: comm.DefaultKeyFile,
		},
	}
	app.Before = configureLogging
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func init() {
	commands = append(commands, cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			cli.ShowVersion(c)
			return nil
		},
	})
}

func configureLogging(c *cli.Context) error {
	if c.Bool("debug") {
		debug.Enable()
	}
	return nil
}

// connect opens a session against the backend.
func connect(c *cli.Context) (*comm.Client, error) {
	cl, err := comm.Connect(c.GlobalString("socket"), c.GlobalString("keyfile"))
	if err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("unable to connect to the backend: %s", err), comm.CommError)
	}
	return cl, nil
}

// codeError turns a wire response code into a CLI failure.
func codeError(code int) error {
	return cli.NewExitError(comm.ErrorText(code), code)
}
