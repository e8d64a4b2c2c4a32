// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/lib/config"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/lsmbo/cumulus/sdk/go/httpserver"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 30 * time.Second

type Handler interface {
	http.Handler
	CheckHealth() error

	// Run does the service's background work. It returns when ctx
	// is cancelled, or earlier if the work cannot continue.
	Run(ctx context.Context) error

	// Shutdown is called once, after Run has returned and the
	// HTTP server has stopped.
	Shutdown(ctx context.Context)
}

type NewHandlerFunc func(_ context.Context, _ *cumulus.Config, _ cumulus.FlavorTable, registry *prometheus.Registry) (Handler, error)

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the site config and the
// flavors file, calls newHandler, and runs the returned handler's
// background work alongside an http server until the process
// receives SIGINT or SIGTERM.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, metrics).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
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

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	flavors, err := loader.LoadFlavors(cfg)
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	logOut, err := logWriter(stderr, cfg.SystemLogs.File)
	if err != nil {
		return 1
	}
	log = ctxlog.New(logOut, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithField("PID", os.Getpid())
	ctx := ctxlog.Context(c.ctx, logger)

	reg := prometheus.NewRegistry()
	// cumulus_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler, err := c.newHandler(ctx, cfg, flavors, reg)
	if err != nil {
		return 1
	}
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	ln, err := net.Listen("tcp", cfg.Services.Listen)
	if err != nil {
		return 1
	}
	srv := &http.Server{
		Handler: httpserver.AddRequestIDs(
			httpserver.LogRequests(logger,
				httpserver.Instrument(reg, handler))),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	logger.WithFields(logrus.Fields{
		"Listen":  ln.Addr().String(),
		"Version": cmd.Version.String(),
		"Flavors": len(flavors.Flavors),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	var g run.Group
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return handler.Run(runCtx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(func() error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, func(error) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.WithField("Signal", sigErr.Signal.String()).Info("shutting down")
		err = nil
	} else if errors.Is(err, context.Canceled) {
		err = nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	handler.Shutdown(ctxlog.Context(sctx, logger))
	if err != nil {
		return 1
	}
	return 0
}

// logWriter returns stderr, or (if a log file is configured) a
// writer that copies to both stderr and a log file that is rotated
// when it reaches 10 MB.
func logWriter(stderr io.Writer, path string) (io.Writer, error) {
	if path == "" {
		return stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("log file directory: %w", err)
	}
	return io.MultiWriter(stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 10,
	}), nil
}
