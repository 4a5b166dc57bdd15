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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/nfcompile/pkg/logging"
	"github.com/AleutianAI/nfcompile/services/planner/api"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the planner over HTTP",
		Long: `Serve exposes POST /v1/plan, GET /v1/health, GET /v1/dumps/:run/:kind and
GET /metrics. SIGINT or SIGTERM cancels running searches and drains
in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()
			if addr != "" {
				s.cfg.Server.Addr = addr
			}
			if s.cfg.Logging.Level != logging.LevelDebug {
				gin.SetMode(gin.ReleaseMode)
			}

			dumps, closeDumps, err := s.openDumps()
			if err != nil {
				return err
			}
			defer closeDumps()

			svcOpts := []api.ServiceOption{api.WithLogger(s.logger.Slog())}
			var reader api.DumpReader
			if dumps != nil {
				svcOpts = append(svcOpts, api.WithDumper(dumps))
				reader = dumps
			}
			svc, err := api.NewService(s.cfg, svcOpts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s.logger.Info("starting planner service",
				slog.String("version", api.ServiceVersion),
				slog.Bool("dumps", dumps != nil))
			return api.Serve(ctx, api.NewHandlers(svc, reader), s.logger.Slog())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
