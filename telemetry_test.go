package syncd

import (
	"context"
	"testing"
)

func TestParseOTLPEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector.internal", "grpc", "collector.internal:4317", "", true},
		{"collector.internal:9999", "grpc", "collector.internal:9999", "", true},
		{"grpc://collector:4000", "grpc", "collector:4000", "", true},
		{"grpcs://collector", "grpc", "collector:4317", "", false},
		{"http://collector", "http", "collector:4318", "", true},
		{"https://collector:443/otlp/v1/traces", "http", "collector:443", "/otlp/v1/traces", false},
	}
	for _, tc := range cases {
		target, err := parseOTLPEndpoint(tc.raw)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if target.protocol != tc.protocol {
			t.Fatalf("parse %q: expected protocol %q, got %q", tc.raw, tc.protocol, target.protocol)
		}
		if target.endpoint != tc.endpoint {
			t.Fatalf("parse %q: expected endpoint %q, got %q", tc.raw, tc.endpoint, target.endpoint)
		}
		if target.path != tc.path {
			t.Fatalf("parse %q: expected path %q, got %q", tc.raw, tc.path, target.path)
		}
		if target.insecure != tc.insecure {
			t.Fatalf("parse %q: expected insecure=%v", tc.raw, tc.insecure)
		}
	}
}

func TestParseOTLPEndpointErrors(t *testing.T) {
	if _, err := parseOTLPEndpoint("ftp://collector"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
	if _, err := parseOTLPEndpoint("grpc://"); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestInitTelemetryDisabled(t *testing.T) {
	tel, err := initTelemetry(context.Background(), Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected nil telemetry when nothing enabled, got %+v", tel)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil telemetry shutdown: %v", err)
	}
}
