package txnd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// telemetryBundle owns the optional observability side of a server: the OTLP
// trace provider, the Prometheus meter provider with its scrape listener, and
// the pprof listener. A nil bundle means telemetry is fully disabled.
type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	sidecars       []*sidecarServer
	logger         pslog.Logger
}

// sidecarServer is a small auxiliary HTTP listener (metrics scrape, pprof)
// that lives and dies with the telemetry bundle.
type sidecarServer struct {
	name   string
	server *http.Server
	ln     net.Listener
}

func startSidecar(name, addr string, handler http.Handler, logger pslog.Logger) (*sidecarServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	sc := &sidecarServer{
		name:   name,
		server: &http.Server{Handler: handler},
		ln:     ln,
	}
	go func() {
		if err := sc.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Warn("telemetry.sidecar.serve_error", "sidecar", name, "error", err)
			}
		}
	}()
	return sc, nil
}

func (sc *sidecarServer) shutdown(ctx context.Context) error {
	err := sc.server.Shutdown(ctx)
	_ = sc.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s shutdown: %w", sc.name, err)
	}
	return nil
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, sc := range t.sidecars {
		if err := sc.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		if t.logger != nil {
			t.logger.Warn("telemetry.shutdown.partial", "error", errors.Join(errs...))
		}
		return errors.Join(errs...)
	}
	if t.logger != nil {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return nil
}

// otelErrorHandler routes exporter errors through pslog. Exporter reconnect
// chatter is demoted to debug.
type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var runtimeMetricsOnce sync.Once
var runtimeMetricsErr error

func startRuntimeMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		return fmt.Errorf("telemetry: meter provider unavailable for runtime metrics")
	}
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

// setupTelemetry assembles the telemetry bundle from config. All parts are
// independent: an empty OTLP endpoint skips tracing, an empty metrics address
// skips the meter provider, an empty pprof address skips profiling. When
// everything is disabled the bundle itself is nil.
func setupTelemetry(ctx context.Context, endpoint, metricsListen, pprofListen string, enableProfilingMetrics bool, logger pslog.Logger) (*telemetryBundle, error) {
	endpoint = strings.TrimSpace(endpoint)
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !enableProfilingMetrics {
		return nil, nil
	}
	if enableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("txnd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bundle.Shutdown(shutdownCtx)
		return nil, err
	}

	if endpoint != "" {
		target, err := parseOTLPEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider, err = newTraceProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if enableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meterProvider)
		if enableProfilingMetrics {
			if err := startRuntimeMetrics(bundle.meterProvider); err != nil {
				return fail(err)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		sc, err := startSidecar("metrics", metricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		bundle.sidecars = append(bundle.sidecars, sc)
		logger.Info("telemetry.metrics.enabled", "listen", metricsListen)
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		sc, err := startSidecar("pprof", pprofListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		bundle.sidecars = append(bundle.sidecars, sc)
		logger.Info("profiling.pprof.enabled", "listen", pprofListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})

	return bundle, nil
}

// otlpTarget is a parsed OTLP collector endpoint.
type otlpTarget struct {
	protocol string // grpc or http
	endpoint string // host:port
	path     string
	insecure bool
}

func newTraceProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")),
			))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

// parseOTLPEndpoint accepts "host", "host:port", or a URL with scheme grpc,
// grpcs, http, or https. A schemeless endpoint defaults to insecure gRPC on
// 4317; http endpoints default to 4318.
func parseOTLPEndpoint(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	path := u.Path
	if host == "" {
		host = path
		path = ""
	}
	target := otlpTarget{endpoint: host, path: strings.TrimSuffix(path, "/")}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.insecure = scheme == "grpc"
	case "http", "https":
		target.protocol = "http"
		target.insecure = scheme == "http"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if !strings.Contains(target.endpoint, ":") {
		port := "4317"
		if target.protocol == "http" {
			port = "4318"
		}
		target.endpoint = net.JoinHostPort(target.endpoint, port)
	}
	return target, nil
}
