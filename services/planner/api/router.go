// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const requestIDHeader = "X-Request-ID"

// requestID returns the id assigned by the request middleware.
func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}

// withRequestID reuses the caller's X-Request-ID or assigns a new one.
func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// withAccessLog logs one line per request.
func withAccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			slog.String("request_id", requestID(c)),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// withBodyLimit caps request bodies at n bytes.
func withBodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// RegisterRoutes registers the planner endpoints on rg.
//
// Endpoints:
//
//	GET  /v1/health - Health check
//	POST /v1/plan - Plan a behavior graph
//	GET  /v1/dumps/:run/:kind - Read a post-mortem dump
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)
	rg.POST("/plan", h.HandlePlan)
	rg.GET("/dumps/:run/:kind", h.HandleDump)
}

// NewRouter builds the gin engine: recovery, request spans, request ids,
// access logs, the /v1 routes and /metrics.
func NewRouter(h *Handlers, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("nfcompile"), withRequestID(), withAccessLog(logger))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", withBodyLimit(h.svc.Config().Server.MaxBodyBytes))
	RegisterRoutes(v1, h)
	return router
}

// Serve runs the HTTP server until ctx is done, then drains in-flight
// requests for up to ten seconds.
func Serve(ctx context.Context, h *Handlers, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := h.svc.Config().Server
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(h, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
