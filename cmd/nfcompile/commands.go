// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/pkg/telemetry"
	"github.com/AleutianAI/nfcompile/services/planner/api"
	"github.com/AleutianAI/nfcompile/services/planner/config"
	"github.com/AleutianAI/nfcompile/services/planner/dump"
	store "github.com/AleutianAI/nfcompile/services/planner/storage/badger"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool
}

// newRootCmd builds the command tree. Each call returns an independent
// tree so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "nfcompile",
		Short: "Execution plan compiler for network functions",
		Long: `nfcompile reads the behavior graph of a network function and searches
for the placement of every operation across the switch pipeline, the
switch controller and a host CPU that maximizes sustainable throughput.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "nfcompile.yaml", "configuration file (YAML or JSON)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", "", "log format override (auto, text, json)")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "disable console logging")

	rootCmd.AddCommand(
		newPlanCmd(g),
		newServeCmd(g),
		newDumpCmd(g),
		newVersionCmd(),
	)
	return rootCmd
}

// session is what every subcommand needs after flag parsing.
type session struct {
	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

// load reads the configuration, applies the logging flags and builds the
// logger. Console logs go to stderr so stdout stays machine readable.
func (g *globalFlags) load(stderr io.Writer) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		lvl, err := logging.ParseLevel(g.logLevel)
		if err != nil {
			return nil, err
		}
		cfg.Logging.Level = lvl
	}
	if g.logFormat != "" {
		cfg.Logging.Format = logging.Format(g.logFormat)
	}
	if g.quiet {
		cfg.Logging.Quiet = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Logging.Output = stderr

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger.SetDefault()

	shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry,
		telemetry.WithWriter(stderr), telemetry.WithVersion(api.ServiceVersion))
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if cfg.Telemetry.Enabled() {
		cfg.Search.Tracing = true
	}
	return &session{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

// openDumps opens the dump store when enabled. The returned close func is
// never nil.
func (rt *session) openDumps() (*dump.Store, func(), error) {
	if !rt.cfg.Dump.Enabled {
		return nil, func() {}, nil
	}
	scfg := rt.cfg.Dump.Config
	scfg.Logger = rt.logger.Slog().With(slog.String("component", "badger"))
	db, err := store.Open(scfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open dump store: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			rt.logger.Warn("close dump store", slog.String("error", err.Error()))
		}
	}
	return dump.New(db, dump.WithLogger(rt.logger.Slog())), closeFn, nil
}

// close flushes pending spans and releases the logger.
func (rt *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("flush traces", slog.String("error", err.Error()))
	}
	_ = rt.logger.Close()
}
