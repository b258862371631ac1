package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var out bytes.Buffer
	shutdown := InitTracer(context.Background(), "kitchen-test", &out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, span := otel.Tracer("test").Start(context.Background(), "build.step")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(out.String(), `"build.step"`) || !strings.Contains(out.String(), "kitchen-test") {
		t.Fatalf("span not exported: %s", out.String())
	}
}
