package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newTestObservability(t *testing.T, cfg ObsConfig) *Observability {
	t.Helper()
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	obs, err := New(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return obs
}

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []string
	sc := &ShutdownCoordinator{}
	for _, name := range []string{"backend", "tracer", "metrics"} {
		sc.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if strings.Join(order, ",") != "metrics,tracer,backend" {
		t.Fatalf("order = %v", order)
	}

	// A second shutdown runs nothing.
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("handlers ran twice: %v", order)
	}
}

func TestShutdownCoordinatorErrors(t *testing.T) {
	errBad := errors.New("fail")
	ran := 0
	sc := &ShutdownCoordinator{}
	sc.Register("first", func(context.Context) error { ran++; return nil })
	sc.Register("bad", func(context.Context) error { ran++; return errBad })
	sc.Register("third", func(context.Context) error { ran++; return nil })

	err := sc.Shutdown(context.Background())
	if !errors.Is(err, errBad) {
		t.Fatalf("Shutdown = %v, want wrapped errBad", err)
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error should name the handler: %v", err)
	}
	if ran != 3 {
		t.Fatalf("ran %d handlers, want 3", ran)
	}
}

func TestStartOperation(t *testing.T) {
	m := NewMetrics()

	op, ctx := StartOperation(context.Background(), m, "dmls.merge")
	if ctx == nil {
		t.Fatal("nil context")
	}
	op.End(nil)

	op, _ = StartOperation(context.Background(), m, "dmls.merge")
	op.SetErrorKind("inconsistent")
	op.End(errors.New("boom"))

	if n := testutil.ToFloat64(m.OperationTotal.WithLabelValues("dmls.merge", "ok")); n != 1 {
		t.Fatalf("ok = %f", n)
	}
	if n := testutil.ToFloat64(m.OperationTotal.WithLabelValues("dmls.merge", "error")); n != 1 {
		t.Fatalf("error = %f", n)
	}
	if n := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("dmls.merge", "inconsistent")); n != 1 {
		t.Fatalf("inconsistent = %f", n)
	}
	if n := testutil.CollectAndCount(m.OperationDuration); n != 2 {
		t.Fatalf("duration series = %d, want 2", n)
	}

	op, _ = StartOperation(context.Background(), nil, "no_metrics")
	op.Annotate(attribute.String("epoch", "ab01"))
	op.End(errors.New("boom"))
}

func TestOperationCanceled(t *testing.T) {
	m := NewMetrics()
	op, _ := StartOperation(context.Background(), m, "dmls.process")
	op.SetErrorKind("storage")
	op.End(fmt.Errorf("read state: %w", context.Canceled))

	if n := testutil.ToFloat64(m.OperationTotal.WithLabelValues("dmls.process", StatusCanceled)); n != 1 {
		t.Fatalf("canceled = %f", n)
	}
	if n := testutil.CollectAndCount(m.ErrorsTotal); n != 0 {
		t.Fatalf("cancellation counted as %d error series", n)
	}
}

func TestNamespaceOpMetrics(t *testing.T) {
	m := NewMetrics()
	m.NamespaceOp("clone", "memory", nil)
	m.NamespaceOp("drop", "memory", errors.New("fail"))
	m.Copied(3)
	m.Copied(0)

	if n := testutil.ToFloat64(m.NamespaceOps.WithLabelValues("clone", "memory", "ok")); n != 1 {
		t.Fatalf("clone ok = %f", n)
	}
	if n := testutil.ToFloat64(m.NamespaceOps.WithLabelValues("drop", "memory", "error")); n != 1 {
		t.Fatalf("drop error = %f", n)
	}
	if n := testutil.ToFloat64(m.RecordsCopied); n != 3 {
		t.Fatalf("copied = %f", n)
	}

	var nilMetrics *Metrics
	nilMetrics.NamespaceOp("clone", "memory", nil)
	nilMetrics.Copied(1)
}

func TestNewWithoutOTLP(t *testing.T) {
	obs := newTestObservability(t, ObsConfig{LogLevel: "info", ServiceName: "test"})
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
	if obs.sdkTP != nil {
		t.Fatal("sdk tracer created without an endpoint")
	}

	called := false
	obs.Shutdown.Register("flush", func(context.Context) error { called = true; return nil })
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !called {
		t.Fatal("Close did not run shutdown handlers")
	}
}

func TestNewWithOTLP(t *testing.T) {
	for _, protocol := range []string{"http", "grpc"} {
		t.Run(protocol, func(t *testing.T) {
			obs := newTestObservability(t, ObsConfig{
				LogLevel:       "info",
				OTLPEndpoint:   "localhost:4318",
				OTLPProtocol:   protocol,
				ServiceName:    "test",
				ServiceVersion: "0.0.1",
			})
			if obs.sdkTP == nil {
				t.Fatal("expected an sdk tracer provider")
			}
			if err := obs.Close(context.Background()); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestNewUnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), ObsConfig{
		LogFormat:    "json",
		OTLPEndpoint: "localhost:4318",
		OTLPProtocol: "carrier-pigeon",
	}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("New = %v, want unknown protocol error", err)
	}
}

func TestServeMetrics(t *testing.T) {
	obs := newTestObservability(t, ObsConfig{LogLevel: "error"})
	obs.Metrics.NamespaceOp("clone", "memory", nil)

	srv, err := obs.ServeMetrics(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ServeMetrics: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]string
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("/health: status %d, body %v, err %v", resp.StatusCode, health, err)
	}

	resp, err = http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dmls_namespace_ops_total") || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("/metrics missing namespace counter:\n%s", body)
	}
}

func TestServeMetricsBadAddr(t *testing.T) {
	obs := newTestObservability(t, ObsConfig{LogLevel: "error"})
	if _, err := obs.ServeMetrics(context.Background(), "127.0.0.1:-1"); err == nil {
		t.Fatal("expected listen error")
	}
}
