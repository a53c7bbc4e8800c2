// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package deliver implements the transfer child process. It copies
// one file between two URLs, enforcing transfer limits, and reports
// progress as fixed-size binary status records on stdout. Stdout
// carries nothing else; logs go to stderr.
package deliver

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"golang.org/x/sys/unix"
)

// Command is the "deliver" subcommand.
var Command command

type command struct{}

type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ",") }
func (f *multiFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// limits are the transfer limits passed with --topt.
type limits struct {
	minSpeed     int64         // bytes/s the current speed may not drop under...
	minSpeedTime time.Duration // ...for longer than this
	minAvgSpeed  int64         // average bytes/s required...
	avgTime      time.Duration // ...after this long
	maxInactive  time.Duration // max time without any bytes moving
}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	surl := flags.String("surl", "", "source `URL`")
	durl := flags.String("durl", "", "destination `URL`")
	var sopts, dopts, topts multiFlag
	flags.Var(&sopts, "sopt", "source option `key=value` (repeatable)")
	flags.Var(&dopts, "dopt", "destination option `key=value` (repeatable)")
	flags.Var(&topts, "topt", "transfer option `key=value` (repeatable)")
	size := flags.Int64("size", 0, "expected file size in `bytes` (0 = unknown)")
	cstype := flags.String("cstype", "", "checksum `type` to verify (md5, sha1, adler32)")
	csvalue := flags.String("csvalue", "", "expected checksum `value`")
	uid := flags.Int("uid", 0, "switch to this `uid` before transferring")
	gid := flags.Int("gid", 0, "switch to this `gid` before transferring")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *surl == "" || *durl == "" {
		fmt.Fprintln(stderr, "both --surl and --durl are required")
		return 2
	}

	cred, err := readCredential(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "reading credential: %s\n", err)
		return 2
	}

	if *gid != 0 {
		if err := unix.Setgid(*gid); err != nil {
			fmt.Fprintf(stderr, "setgid %d: %s\n", *gid, err)
			return 2
		}
	}
	if *uid != 0 {
		if err := unix.Setuid(*uid); err != nil {
			fmt.Fprintf(stderr, "setuid %d: %s\n", *uid, err)
			return 2
		}
	}

	lim := parseLimits(topts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mover := &mover{
		source:      *surl,
		destination: *durl,
		cred:        cred,
		size:        *size,
		cstype:      *cstype,
		csvalue:     *csvalue,
		limits:      lim,
		out:         bufio.NewWriter(stdout),
		logger:      logger,
	}
	if err := mover.run(ctx); err != nil {
		logger.WithError(err).Error("transfer failed")
		return 1
	}
	return 0
}

// readCredential reads "x509 <pem>" or "token <token>" from stdin,
// terminated by a blank line.
func readCredential(stdin io.Reader) (*gridstage.Credential, error) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}
	blob := strings.Join(lines, "\n")
	switch {
	case strings.HasPrefix(blob, "token "):
		return &gridstage.Credential{Token: strings.TrimPrefix(blob, "token ")}, nil
	case strings.HasPrefix(blob, "x509 "):
		return &gridstage.Credential{PEM: strings.TrimPrefix(blob, "x509 ")}, nil
	}
	return nil, fmt.Errorf("unrecognized credential prefix")
}

func parseLimits(topts []string, logger interface{ Warnf(string, ...interface{}) }) limits {
	var lim limits
	for _, opt := range topts {
		kv := strings.SplitN(opt, "=", 2)
		if len(kv) != 2 {
			logger.Warnf("ignoring malformed transfer option %q", opt)
			continue
		}
		n, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			logger.Warnf("ignoring non-numeric transfer option %q", opt)
			continue
		}
		switch kv[0] {
		case "minspeed":
			lim.minSpeed = n
		case "minspeedtime":
			lim.minSpeedTime = time.Duration(n) * time.Second
		case "minavgspeed":
			lim.minAvgSpeed = n
		case "maxinacttime":
			lim.maxInactive = time.Duration(n) * time.Second
		case "avgtime":
			lim.avgTime = time.Duration(n) * time.Second
		default:
			logger.Warnf("ignoring unknown transfer option %q", kv[0])
		}
	}
	return lim
}
