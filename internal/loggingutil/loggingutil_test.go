package loggingutil_test

import (
	"testing"

	"pkt.systems/syncd/internal/loggingutil"
)

func TestEnsureLoggerNeverNil(t *testing.T) {
	t.Parallel()

	if loggingutil.EnsureLogger(nil) == nil {
		t.Fatal("EnsureLogger(nil) returned nil")
	}
	noop := loggingutil.NoopLogger()
	if loggingutil.EnsureLogger(noop) != noop {
		t.Fatal("EnsureLogger replaced a non-nil logger")
	}
}

func TestSubsystemJoinsParts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"core", "publish"}, "core.publish"},
		{[]string{"", "core", " .dispatch. "}, "core.dispatch"},
		{nil, ""},
		{[]string{"", "  "}, ""},
	}
	for _, tc := range cases {
		if got := loggingutil.Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	t.Parallel()

	logger := loggingutil.WithSubsystem(nil, "core")
	if logger == nil {
		t.Fatal("WithSubsystem(nil, ...) returned nil")
	}
	logger.Info("noop entry is discarded")
}
