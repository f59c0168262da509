// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"git.iqmol.org/qjobs.git/lib/cmd"
	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/host"
	"git.iqmol.org/qjobs.git/lib/monitor"
	"git.iqmol.org/qjobs.git/lib/server"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// Serve runs the job monitor: it watches submitted processes and
// serves the management API until interrupted.
var Serve cmd.Handler = serveCommand{}

type serveCommand struct{}

func (serveCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	configFile := flags.String("config", config.DefaultPath, "configuration `file`")
	listen := flags.String("listen", "", "listen `address`, overrides Monitor.Listen")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := config.NewLoader(*configFile, logger).Load()
	if err != nil {
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.Level)
	if *listen != "" {
		cfg.Monitor.Listen = *listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	svc, err := newService(cfg, *configFile, logger)
	if err != nil {
		return 1
	}
	err = svc.run(ctx, nil)
	if err != nil {
		return 1
	}
	return 0
}

type service struct {
	logger   logrus.FieldLogger
	cfgPath  string
	listen   string
	registry *server.Registry
	coord    *monitor.Coordinator
	metrics  *prometheus.Registry
	handler  http.Handler

	// Context of the running service, used by operations
	// started through the API.
	ctx    context.Context
	cancel context.CancelFunc
}

func newService(cfg *config.Config, cfgPath string, logger logrus.FieldLogger) (*service, error) {
	vault, err := config.LoadVault(cfg.Monitor.VaultFile)
	if err != nil {
		return nil, err
	}
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// There is nobody to answer prompts, so remote servers must
	// use an agent, a stored password or an unencrypted key.
	reg := server.NewRegistry(server.Options{
		Logger:     logger,
		Vault:      vault,
		Passphrase: host.DefaultPassphraseCache,
		Metrics:    server.NewMetrics(metrics),
	})
	if err := reg.Configure(cfg); err != nil {
		logger.WithError(err).Warn("some servers could not be configured")
	}
	coord := monitor.New(monitor.Options{
		Registry:         reg,
		Listener:         logListener{logger},
		Chooser:          monitor.AutoChooser{},
		Logger:           logger,
		ProcessList:      cfg.Monitor.ProcessList,
		ResultsDirectory: cfg.Monitor.ResultsDirectory,
		RefreshInterval:  cfg.Monitor.RefreshInterval.Duration(),
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	svc := &service{
		logger:   logger,
		cfgPath:  cfgPath,
		listen:   cfg.Monitor.Listen,
		registry: reg,
		coord:    coord,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	svc.handler = NewAPI(APIOptions{
		Coordinator: coord,
		Registry:    reg,
		Metrics:     metrics,
		Logger:      logger,
		Token:       cfg.Monitor.ManagementToken,
		Context:     ctx,
	})
	if cfg.Monitor.ManagementToken == "" {
		logger.Warn("Monitor.ManagementToken is empty; the management API will refuse all requests")
	}
	return svc, nil
}

// reload applies a changed config file. Only the server list and job
// limits are updated; other changes need a restart.
func (svc *service) reload() {
	cfg, err := config.NewLoader(svc.cfgPath, svc.logger).Load()
	if err != nil {
		svc.logger.WithError(err).Warn("config reload failed, keeping previous config")
		return
	}
	if err := svc.registry.Configure(cfg); err != nil {
		svc.logger.WithError(err).Warn("some servers could not be configured")
	}
	svc.logger.WithField("Servers", cfg.ServerNames()).Info("config reloaded")
}

// run loads the process list, starts polling and serves the API
// until parent is done. If ready is not nil, the listening address is
// sent to it once the API is accepting connections.
func (svc *service) run(parent context.Context, ready chan<- string) error {
	defer svc.cancel()
	ctx := svc.ctx
	go func() {
		select {
		case <-parent.Done():
			svc.cancel()
		case <-ctx.Done():
		}
	}()

	remotes, err := svc.coord.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading process list: %w", err)
	}
	if len(remotes) > 0 {
		svc.logger.WithField("Servers", remotes).Info("remote servers have active processes; reconnect to update them")
	}

	go svc.registry.Run(ctx)
	go svc.coord.Run(ctx)
	if svc.cfgPath != "" && svc.cfgPath != "-" {
		go config.Watch(ctx, svc.logger, svc.cfgPath, svc.reload)
	}

	ln, err := net.Listen("tcp", svc.listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ln) }()
	svc.logger.WithField("Listen", ln.Addr().String()).Info("listening")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	svc.registry.Close()
	if serr := svc.coord.Save(); serr != nil {
		svc.logger.WithError(serr).Error("saving process list failed")
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
