// Copyright (C) The GridStage Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.gridstage.org/gridstage.git/lib/cmd"
	"git.gridstage.org/gridstage.git/lib/config"
	"git.gridstage.org/gridstage.git/sdk/go/ctxlog"
	"git.gridstage.org/gridstage.git/sdk/go/gridstage"
	"git.gridstage.org/gridstage.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(ctx context.Context, cfg *gridstage.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the site config, calls
// newHandler with it, and brings up an http server with the returned
// handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", gridstage.DefaultConfigFile, "Site configuration `file`")
	listen := flags.String("listen", "", "Listen `address` (overrides config)")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.LoadFile(*configFile, stdin)
	if err != nil {
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gridstage",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(fmt.Sprintf("%v", cmd.Version)).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     httpserver.LogRequests(handler),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": fmt.Sprintf("%v", cmd.Version),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}
