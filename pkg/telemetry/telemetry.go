// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry tracer provider that
// receives the planner's search and placement spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config controls the tracer provider.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// Environment identifies the deployment (development, production).
	Environment string `json:"environment" yaml:"environment"`

	// TraceExporter selects where spans go: "none", "stdout" or "otlp".
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`

	// OTLPEndpoint is the gRPC endpoint of the OTLP receiver.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the receiver.
	OTLPInsecure bool `json:"otlp_insecure" yaml:"otlp_insecure"`

	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig exports nothing. Switching TraceExporter on is enough to
// get every span.
func DefaultConfig() Config {
	return Config{
		ServiceName:   "nfcompile",
		Environment:   "development",
		TraceExporter: ExporterNone,
		OTLPEndpoint:  "localhost:4317",
		OTLPInsecure:  true,
		SampleRatio:   1,
	}
}

// Enabled reports whether spans are exported anywhere.
func (c Config) Enabled() bool {
	return c.TraceExporter != "" && c.TraceExporter != ExporterNone
}

// Option configures Init.
type Option func(*options)

type options struct {
	stdout  io.Writer
	version string
}

// WithWriter sends the stdout exporter's output to w instead of stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithVersion records the service version on every span.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// Init installs the global tracer provider described by cfg.
//
// Inputs:
//
//	ctx - Context for exporter setup.
//	cfg - Telemetry configuration.
//
// Outputs:
//
//	shutdown - Flushes and stops the exporter. Never nil; must be called.
//	error - ErrNilContext, ErrUnknownExporter or an exporter failure.
//
// Thread Safety: Call once at process startup.
func Init(ctx context.Context, cfg Config, opts ...Option) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if ctx == nil {
		return noop, ErrNilContext
	}
	if !cfg.Enabled() {
		return noop, nil
	}

	o := options{stdout: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.stdout), stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, grpcOpts...)
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return noop, fmt.Errorf("create %s exporter: %w", cfg.TraceExporter, err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	}
	if o.version != "" {
		attrs = append(attrs, attribute.String("service.version", o.version))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("", attrs...)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
