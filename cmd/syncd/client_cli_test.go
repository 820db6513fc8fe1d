package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncd"
	"pkt.systems/syncd/api"
)

func TestSplitPathArg(t *testing.T) {
	cases := []struct {
		name    string
		arg     string
		want    []string
		wantErr bool
	}{
		{name: "plain path", arg: "fleet/alpha/status", want: []string{"fleet", "alpha", "status"}},
		{name: "single segment", arg: "fleet", want: []string{"fleet"}},
		{name: "hash pattern", arg: "#", want: []string{"#"}},
		{name: "star pattern", arg: "fleet/*/status", want: []string{"fleet", "*", "status"}},
		{name: "segments with spaces", arg: "fleet/node a/status", want: []string{"fleet", "node a", "status"}},
		{name: "empty segment passes through", arg: "fleet//status", want: []string{"fleet", "", "status"}},
		{name: "surrounding slashes trimmed", arg: "/fleet/alpha/", want: []string{"fleet", "alpha"}},
		{name: "empty arg", arg: "", wantErr: true},
		{name: "slashes only", arg: "///", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := splitPathArg(tc.arg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("splitPathArg(%q) expected error, got %v", tc.arg, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitPathArg(%q): %v", tc.arg, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("splitPathArg(%q)=%v want %v", tc.arg, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("splitPathArg(%q)=%v want %v", tc.arg, got, tc.want)
				}
			}
		})
	}
}

func TestResolveCTS(t *testing.T) {
	if got := resolveCTS(42); got != 42 {
		t.Fatalf("resolveCTS(42)=%d want 42", got)
	}
	before := time.Now().UnixMilli()
	got := resolveCTS(0)
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Fatalf("resolveCTS(0)=%d want within [%d,%d]", got, before, after)
	}
}

func TestStatsURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{name: "bare host", base: "127.0.0.1:9741", want: "http://127.0.0.1:9741/v1/stats"},
		{name: "http base", base: "http://host:1234", want: "http://host:1234/v1/stats"},
		{name: "trailing slash", base: "http://host:1234/", want: "http://host:1234/v1/stats"},
		{name: "base path", base: "http://host:1234/sync", want: "http://host:1234/sync/v1/stats"},
		{name: "ws scheme", base: "ws://host:1234", want: "http://host:1234/v1/stats"},
		{name: "wss scheme", base: "wss://host", want: "https://host/v1/stats"},
		{name: "empty falls back to default", base: "", want: "http://127.0.0.1:9741/v1/stats"},
		{name: "unsupported scheme", base: "ftp://host", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := statsURL(tc.base)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("statsURL(%q) expected error, got %q", tc.base, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("statsURL(%q): %v", tc.base, err)
			}
			if got != tc.want {
				t.Fatalf("statsURL(%q)=%q want %q", tc.base, got, tc.want)
			}
		})
	}
}

func TestClientRoundTripAgainstTestServer(t *testing.T) {
	ts := syncd.StartTestServer(t, syncd.WithoutTestClient())
	server := ts.URL()

	stdout, _, err := executeRootCommand(t,
		"client", "pub", "fleet/alpha/status", "-d", `{"ok":true}`, "--cts", "100", "--creator", "alice", "-s", server)
	if err != nil {
		t.Fatalf("pub alpha: %v", err)
	}
	if stdout != "cts=100 vts=1\n" {
		t.Fatalf("pub alpha output=%q", stdout)
	}

	stdout, _, err = executeRootCommand(t,
		"client", "pub", "fleet/beta/status", "-d", `{"ok":false}`, "--cts", "110", "--creator", "alice", "-s", server)
	if err != nil {
		t.Fatalf("pub beta: %v", err)
	}
	if stdout != "cts=110 vts=2\n" {
		t.Fatalf("pub beta output=%q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "client", "get", "fleet/alpha/status", "-s", server)
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	if stdout != `{"ok":true}`+"\n" {
		t.Fatalf("get alpha output=%q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "client", "ls", "fleet/*/status", "-s", server)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	wantLines := []string{
		"fleet/alpha/status vts=1 cts=100 creator=alice acl=open",
		"fleet/beta/status vts=2 cts=110 creator=alice acl=open",
	}
	gotLines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(gotLines) != len(wantLines) {
		t.Fatalf("ls output=%q want %d lines", stdout, len(wantLines))
	}
	for i, want := range wantLines {
		if gotLines[i] != want {
			t.Fatalf("ls line %d=%q want %q", i, gotLines[i], want)
		}
	}

	stdout, _, err = executeRootCommand(t, "client", "del", "fleet/#", "--cts", "200", "-s", server)
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if stdout != "cts=200 vts=4\n" {
		t.Fatalf("del output=%q", stdout)
	}

	stdout, stderr, err := executeRootCommand(t, "client", "get", "fleet/alpha/status", "--meta", "-s", server)
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if stdout != "" {
		t.Fatalf("tombstone get stdout=%q want empty", stdout)
	}
	if !strings.Contains(stderr, "deleted=true") {
		t.Fatalf("tombstone get meta=%q want deleted=true", stderr)
	}
}

func TestClientGetMissingPath(t *testing.T) {
	ts := syncd.StartTestServer(t, syncd.WithoutTestClient())
	_, _, err := executeRootCommand(t, "client", "get", "fleet/missing", "-s", ts.URL())
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if !strings.Contains(err.Error(), "fleet/missing: not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientStatsAgainstTestServer(t *testing.T) {
	ts := syncd.StartTestServer(t, syncd.WithoutTestClient())
	stdout, _, err := executeRootCommand(t, "client", "stats", "-s", ts.URL())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stdout, "sessions=") || !strings.Contains(stdout, "dispatch_queue_depth=") {
		t.Fatalf("stats output=%q", stdout)
	}
}

func TestClientSubStreamsEvents(t *testing.T) {
	ts := syncd.StartTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newRootCommand(pslog.NewStructured(io.Discard))
	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs([]string{"client", "sub", "fleet/#", "-s", ts.URL()})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	waitForCondition(t, 5*time.Second, func() bool {
		return strings.Contains(stderr.String(), "subscribed fleet/# vts=")
	})

	if _, err := ts.Client.Pub(context.Background(), []string{"fleet", "alpha", "status"}, 50, `{"ok":true}`); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return strings.Contains(stdout.String(), `"fleet"`)
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("sub command: %v", err)
	}

	var node api.Node
	line := strings.TrimSpace(stdout.String())
	if err := json.Unmarshal([]byte(line), &node); err != nil {
		t.Fatalf("decode event line %q: %v", line, err)
	}
	if joined := strings.Join(node.Path, "/"); joined != "fleet/alpha/status" {
		t.Fatalf("event path=%q want fleet/alpha/status", joined)
	}
	if node.Data == nil || *node.Data != `{"ok":true}` {
		t.Fatalf("event data=%v", node.Data)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
