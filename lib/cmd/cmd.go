// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmd helps define reusable functions that can be exposed as
// [subcommands of] command line programs.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// A Handler is an executable command. It typically belongs to a
// Multi-command program.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc is a Handler that wraps a function.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version is a Handler that prints the package version (set at build
// time with -ldflags) and Go runtime version.
var Version versionCommand

var version = "dev"

type versionCommand struct{}

func (versionCommand) String() string {
	return fmt.Sprintf("%s (%s)", version, runtime.Version())
}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " version")
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}

// Multi returns a Handler that looks up its first argument in m, and
// runs the resulting Handler with the remaining args.
//
// Example:
//
//	os.Exit(Multi(map[string]Handler{
//	        "foobar": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
//	                fmt.Fprintln(stdout, args[0])
//	                return 2
//	        }),
//	}).RunCommand("/usr/bin/multi", []string{"foobar", "baz"}, os.Stdin, os.Stdout, os.Stderr))
//
// ...prints "baz" and exits 2.
func Multi(m map[string]Handler) Handler {
	return HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		_, basename := filepath.Split(prog)
		if i := strings.Index(basename, "~"); i >= 0 {
			// drop "~anything" suffix (arises from
			// busybox symlink deduplication)
			basename = basename[:i]
		}
		cmd, ok := m[basename]
		if !ok {
			// "gridstage-foo" => "foo"
			cmd, ok = m[strings.TrimPrefix(basename, "gridstage-")]
		}
		if !ok && len(args) > 0 {
			// "gridstage foo" => "foo"
			cmd, ok = m[args[0]]
			prog, args = prog+" "+args[0], args[1:]
		}
		if !ok {
			fmt.Fprintf(stderr, "unrecognized command %q\n", basename)
			multiUsage(stderr, m)
			return 2
		}
		return cmd.RunCommand(prog, args, stdin, stdout, stderr)
	})
}

// multiUsage lists the subcommands of a Multi handler.

func multiUsage(stderr io.Writer, m map[string]Handler) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Some subcommands have alternate versions
			// like "--version" for compatibility. Don't
			// clutter the subcommand summary with those.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}
