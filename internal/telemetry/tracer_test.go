package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_InstallsProviders(t *testing.T) {
	var out bytes.Buffer
	p, err := Init(Options{ServiceName: "listing-gateway-test", Writer: &out}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "listing")
	span.End()
	counter, err := otel.Meter("test").Int64Counter("listing.runs")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"Name":"listing"`)) {
		t.Errorf("span not exported: %s", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("listing.runs")) {
		t.Errorf("metric not exported: %s", out.String())
	}
}
