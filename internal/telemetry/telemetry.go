package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	ServiceName    = "nextmind"
	ServiceVersion = "1.0.0"

	logFileName     = "nextmind.log"
	traceFileName   = "nextmind_traces.log"
	metricsFileName = "nextmind_metrics.log"

	metricInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger installs a JSON slog logger writing to a rotating file under
// logDir and returns it with the file's closer. The REPL owns stdout, so
// nothing is logged there.
func InitLogger(logDir string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	file := rotatingFile(logDir, logFileName)
	logger := slog.New(slog.NewJSONHandler(file, opts))
	slog.SetDefault(logger)
	return logger, file, nil
}

// InitTelemetry registers global trace and meter providers that export to
// rotating files under logDir. The returned func flushes and closes them.
func InitTelemetry(ctx context.Context, logDir string) (trace.Tracer, metric.Meter, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(ServiceVersion),
	))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, traceFile, err := newTracerProvider(res, logDir)
	if err != nil {
		return nil, nil, nil, err
	}
	mp, metricsFile, err := newMeterProvider(res, logDir)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = traceFile.Close()
		return nil, nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			traceFile.Close(),
			metricsFile.Close(),
		)
		if err != nil {
			slog.Error("telemetry shutdown incomplete", "error", err)
		}
	}
	return tp.Tracer(ServiceName), mp.Meter(ServiceName), shutdown, nil
}

func newTracerProvider(res *resource.Resource, logDir string) (*sdktrace.TracerProvider, io.Closer, error) {
	file := rotatingFile(logDir, traceFileName)
	exp, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return tp, file, nil
}

func newMeterProvider(res *resource.Resource, logDir string) (*sdkmetric.MeterProvider, io.Closer, error) {
	file := rotatingFile(logDir, metricsFileName)
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(file))
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, file, nil
}

// Tracer returns t, or the global tracer when t is nil
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(ServiceName)
}

// Meter returns m, or the global meter when m is nil
func Meter(m metric.Meter) metric.Meter {
	if m != nil {
		return m
	}
	return otel.Meter(ServiceName)
}
