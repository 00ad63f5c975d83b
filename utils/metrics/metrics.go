/*
SPDX-FileCopyrightText: Copyright (c) 2026 Meek Vision Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics exports controller metrics over OTLP. All recording calls
// degrade to no-ops when the subsystem is disabled or failed to initialize,
// so callers never guard metric calls.
package metrics

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/meek-vision/meek/utils"
)

// Config holds configuration for the metrics exporter.
type Config struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	GlobalTags       map[string]string
	Enabled          bool
}

// Recorder provides thread-safe metric recording. Instruments are created
// lazily and cached by name.
type Recorder struct {
	meterProvider      *sdkmetric.MeterProvider
	meter              metric.Meter
	counterCache       sync.Map // map[string]metric.Int64Counter
	upDownCounterCache sync.Map // map[string]metric.Int64UpDownCounter
	histogramCache     sync.Map // map[string]metric.Float64Histogram
	globalTags         map[string]string
}

var (
	instance *Recorder
	once     sync.Once
	initErr  error
)

// Init initializes the global Recorder singleton. Safe to call multiple
// times; only the first call initializes.
func Init(config Config) error {
	once.Do(func() {
		r, err := newRecorder(config)
		if err != nil {
			initErr = err
			return
		}
		instance = r
	})
	return initErr
}

// Get returns the global Recorder, or nil when Init was never called or
// failed. A nil Recorder is safe to record against.
func Get() *Recorder {
	return instance
}

func newRecorder(config Config) (*Recorder, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(config.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	globalTags := make(map[string]string, len(config.GlobalTags))
	for k, v := range config.GlobalTags {
		globalTags[k] = v
	}

	meterName := config.ServiceName
	if config.ServiceVersion != "" {
		meterName = config.ServiceName + "@" + config.ServiceVersion
	}

	return &Recorder{
		meterProvider: provider,
		meter:         provider.Meter(meterName),
		globalTags:    globalTags,
	}, nil
}

// RecordCounter records an integer counter metric.
func (r *Recorder) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if r == nil {
		return nil
	}
	counter, err := r.getOrCreateCounter(name, unit, description)
	if err != nil {
		return err
	}
	counter.Add(ctx, value, metric.WithAttributes(r.buildAttributes(tags)...))
	return nil
}

// RecordUpDownCounter records an integer counter that may go down, such as
// a queue depth.
func (r *Recorder) RecordUpDownCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if r == nil {
		return nil
	}
	upDown, err := r.getOrCreateUpDownCounter(name, unit, description)
	if err != nil {
		return err
	}
	upDown.Add(ctx, value, metric.WithAttributes(r.buildAttributes(tags)...))
	return nil
}

// RecordHistogram records a floating-point histogram metric.
func (r *Recorder) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) error {
	if r == nil {
		return nil
	}
	histogram, err := r.getOrCreateHistogram(name, unit, description)
	if err != nil {
		return err
	}
	histogram.Record(ctx, value, metric.WithAttributes(r.buildAttributes(tags)...))
	return nil
}

func (r *Recorder) getOrCreateCounter(name, unit, description string) (metric.Int64Counter, error) {
	if cached, ok := r.counterCache.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}
	counter, err := r.meter.Int64Counter(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	actual, _ := r.counterCache.LoadOrStore(name, counter)
	return actual.(metric.Int64Counter), nil
}

func (r *Recorder) getOrCreateUpDownCounter(name, unit, description string) (metric.Int64UpDownCounter, error) {
	if cached, ok := r.upDownCounterCache.Load(name); ok {
		return cached.(metric.Int64UpDownCounter), nil
	}
	upDown, err := r.meter.Int64UpDownCounter(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %s: %w", name, err)
	}
	actual, _ := r.upDownCounterCache.LoadOrStore(name, upDown)
	return actual.(metric.Int64UpDownCounter), nil
}

func (r *Recorder) getOrCreateHistogram(name, unit, description string) (metric.Float64Histogram, error) {
	if cached, ok := r.histogramCache.Load(name); ok {
		return cached.(metric.Float64Histogram), nil
	}
	histogram, err := r.meter.Float64Histogram(
		name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	actual, _ := r.histogramCache.LoadOrStore(name, histogram)
	return actual.(metric.Float64Histogram), nil
}

func (r *Recorder) buildAttributes(callTags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(r.globalTags)+len(callTags))
	for k, v := range r.globalTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range callTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown flushes pending metrics and stops the exporter.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.meterProvider == nil {
		return nil
	}
	return r.meterProvider.Shutdown(ctx)
}

// FlagPointers holds pointers to flag values for metrics configuration.
type FlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	component  *string
	version    *string
}

// RegisterFlags registers metrics-related command-line flags. Returns a
// FlagPointers that should be converted to Config after flag.Parse().
func RegisterFlags(defaultComponent string) *FlagPointers {
	return &FlagPointers{
		enable: flag.Bool("metrics-otel-enable",
			utils.GetEnvBool("MEEK_METRICS_OTEL_ENABLE", false),
			"Enable OpenTelemetry metrics"),
		host: flag.String("metrics-otel-collector-host",
			utils.GetEnv("MEEK_METRICS_OTEL_COLLECTOR_HOST", "localhost"),
			"OpenTelemetry collector host"),
		port: flag.Int("metrics-otel-collector-port",
			utils.GetEnvInt("MEEK_METRICS_OTEL_COLLECTOR_PORT", 4317),
			"OpenTelemetry collector port"),
		intervalMS: flag.Int("metrics-otel-interval-ms",
			utils.GetEnvInt("MEEK_METRICS_OTEL_INTERVAL_MS", 6000),
			"OpenTelemetry export interval in milliseconds"),
		component: flag.String("metrics-otel-component",
			utils.GetEnv("MEEK_METRICS_OTEL_COMPONENT", defaultComponent),
			"Service name for OpenTelemetry metrics"),
		version: flag.String("service-version",
			utils.GetEnv("MEEK_SERVICE_VERSION", "unknown"),
			"Service version for OpenTelemetry metrics"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after
// flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *f.host, *f.port),
		ExportIntervalMS: *f.intervalMS,
		ServiceName:      *f.component,
		ServiceVersion:   *f.version,
		GlobalTags:       make(map[string]string),
		Enabled:          *f.enable,
	}
}
