// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"git.gridstage.org/gridstage.git/lib/cmd"
	"git.gridstage.org/gridstage.git/lib/config"
	"git.gridstage.org/gridstage.git/lib/datastaging"
	"git.gridstage.org/gridstage.git/lib/datastaging/delivery/deliver"
	"git.gridstage.org/gridstage.git/lib/datastaging/deliveryservice"
	"git.gridstage.org/gridstage.git/lib/service"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"scheduler":        service.Command("gridstage-scheduler", datastaging.NewHandler),
	"delivery-service": service.Command("gridstage-delivery-service", deliveryservice.NewHandler),
	"deliver":          deliver.Command,
	"config-dump":      config.DumpCommand,
})

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
