package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &Tracer{tracer: tp.Tracer("test"), debug: debug}, rec
}

func TestGetTracer_DefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	if tr == nil {
		t.Fatal("GetTracer returned nil")
	}
	_, span := tr.StartHandlerSpan(context.Background(), "publish")
	tr.EndSpan(span, false, nil)
}

func TestHandlerSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)
	ctx, root := tr.StartSampleSpan(context.Background(), "alice", 72)
	_, span := tr.StartHandlerSpan(ctx, "anomaly")
	tr.EndSpan(span, false, errors.New("boom"))
	root.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	h := spans[0]
	if h.Name() != "handler.anomaly" {
		t.Errorf("name = %q", h.Name())
	}
	if h.Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("handler span should be a child of the sample span")
	}
	if len(h.Events()) == 0 {
		t.Error("error should be recorded as an event")
	}
}

func TestSampleSpan_ValueOnlyInDebug(t *testing.T) {
	tests := []struct {
		debug bool
		want  bool
	}{
		{false, false},
		{true, true},
	}
	for _, tt := range tests {
		tr, rec := newRecordingTracer(tt.debug)
		_, span := tr.StartSampleSpan(context.Background(), "alice", 72)
		span.End()

		found := false
		for _, kv := range rec.Ended()[0].Attributes() {
			if kv.Key == "heartrate.value" {
				found = true
			}
		}
		if found != tt.want {
			t.Errorf("debug=%v: value attribute present = %v", tt.debug, found)
		}
	}
}

func TestInitProvider_RequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestProviderConfig_Defaults(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4318")

	cfg := ProviderConfig{SampleRatio: 2}.withDefaults()
	if cfg.Endpoint != "collector:4318" {
		t.Errorf("expected scheme stripped from env endpoint, got %q", cfg.Endpoint)
	}
	if cfg.ServiceName != "pulsekit" || cfg.Protocol != "grpc" || cfg.SampleRatio != 1 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
