// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"github.com/ghodss/yaml"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", gridstage.DefaultConfigFile, "Site configuration `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if len(flags.Args()) != 0 {
		flags.Usage()
		return 2
	}

	cfg, err := LoadFile(*configFile, stdin)
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}
