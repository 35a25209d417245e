package instrumentation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDisabled(t *testing.T) {
	inst := Disabled()
	if inst == nil {
		t.Fatal("Disabled returned nil")
	}
	if inst.Metrics() == nil {
		t.Error("Metrics should be usable on a disabled instance")
	}

	// Recording through no-op providers must not panic.
	ctx := context.Background()
	inst.Metrics().TokenRefreshed.Add(ctx, 1)
	inst.Metrics().FederationProbes.Add(ctx, 1)
	inst.Metrics().RequestDuration.Record(ctx, 12.5)

	_, span := inst.Tracer("session").Start(ctx, "test")
	span.End()
}

func TestNewDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestNewWithProviders(t *testing.T) {
	mp := noop.NewMeterProvider()
	tp := sdktrace.NewTracerProvider()
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	inst, err := New(Config{
		ServiceName:    "portal-session-test",
		Enabled:        true,
		MeterProvider:  mp,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if inst.MeterProvider() != mp {
		t.Error("configured meter provider should be used")
	}
	if inst.TracerProvider() != tp {
		t.Error("configured tracer provider should be used")
	}

	inst.Metrics().InflightShared.Add(context.Background(), 1)
}

func TestShutdownIdempotent(t *testing.T) {
	inst := Disabled()
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
