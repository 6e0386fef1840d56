package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil {
		t.Error("expected noop tracer, got nil")
	}
	if p.Meter == nil {
		t.Error("expected noop meter, got nil")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Error("expected real tracer provider")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.AnnotationWrites == nil {
		t.Error("AnnotationWrites is nil")
	}
	if m.SyncDuration == nil {
		t.Error("SyncDuration is nil")
	}
	if m.SyncErrors == nil {
		t.Error("SyncErrors is nil")
	}
	if m.BackupsCreated == nil {
		t.Error("BackupsCreated is nil")
	}
	if m.Forfeits == nil {
		t.Error("Forfeits is nil")
	}
	if m.RecordingUploads == nil {
		t.Error("RecordingUploads is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
