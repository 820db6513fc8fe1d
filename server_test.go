package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	"pkt.systems/syncd/client"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func waitEvent(t *testing.T, cli *client.Client, timeout time.Duration) *api.Node {
	t.Helper()
	select {
	case node, ok := <-cli.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return node
	case <-time.After(timeout):
		t.Fatalf("no event within %s", timeout)
	}
	return nil
}

func TestServerPublishGetListRoundTrip(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	res, err := cli.Pub(ctx, []string{"fleet", "web-1", "status"}, 100, `{"state":"ready"}`)
	if err != nil {
		t.Fatalf("pub: %v", err)
	}
	if res.CTS != 100 {
		t.Fatalf("expected cts echo 100, got %d", res.CTS)
	}
	if res.VTS != 1 {
		t.Fatalf("expected first tick 1, got %d", res.VTS)
	}

	node, err := cli.Get(ctx, []string{"fleet", "web-1", "status"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node == nil {
		t.Fatal("expected node, got nil")
	}
	if node.Data == nil || *node.Data != `{"state":"ready"}` {
		t.Fatalf("unexpected data: %v", node.Data)
	}
	if node.CTS != 100 || node.VTS != 1 {
		t.Fatalf("unexpected counters: cts=%d vts=%d", node.CTS, node.VTS)
	}
	if node.Creator == "" {
		t.Fatal("expected creator to default to the session id")
	}
	if node.Deleted {
		t.Fatal("expected live node")
	}

	missing, err := cli.Get(ctx, []string{"fleet", "web-2", "status"})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil node for unpublished path, got %+v", missing)
	}

	if _, err := cli.Pub(ctx, []string{"fleet", "web-2", "status"}, 100, `{"state":"booting"}`); err != nil {
		t.Fatalf("pub second: %v", err)
	}
	nodes, err := cli.List(ctx, []string{"fleet", "#"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if !reflect.DeepEqual(nodes[0].Path, []string{"fleet", "web-1", "status"}) {
		t.Fatalf("expected ascending path order, got %v first", nodes[0].Path)
	}

	if _, err := cli.Pub(ctx, []string{"fleet", "web-1", "marker"}, 5, "", client.WithoutData()); err != nil {
		t.Fatalf("pub without data: %v", err)
	}
	marker, err := cli.Get(ctx, []string{"fleet", "web-1", "marker"})
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if marker == nil || marker.Deleted {
		t.Fatalf("expected live marker node, got %+v", marker)
	}
	if marker.Data != nil {
		t.Fatalf("expected nil data on dataless publish, got %q", *marker.Data)
	}
}

func TestServerSubscribeReceivesCommittedEvents(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	subscriber := ts.Client

	vts, err := subscriber.Sub(ctx, []string{"fleet", "*", "status"})
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if vts != 1 {
		t.Fatalf("expected subscribe tick 1, got %d", vts)
	}

	publisher, err := ts.NewClient(client.WithCreator("pub-worker"))
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer publisher.Close()

	// A non-matching write first: fan-out is FIFO, so if it were
	// delivered it would arrive before the matching one below.
	if _, err := publisher.Pub(ctx, []string{"other", "path"}, 10, "noise"); err != nil {
		t.Fatalf("pub non-matching: %v", err)
	}
	res, err := publisher.Pub(ctx, []string{"fleet", "web-1", "status"}, 50, `{"state":"ready"}`)
	if err != nil {
		t.Fatalf("pub matching: %v", err)
	}

	evt := waitEvent(t, subscriber, 2*time.Second)
	if !reflect.DeepEqual(evt.Path, []string{"fleet", "web-1", "status"}) {
		t.Fatalf("unexpected event path: %v", evt.Path)
	}
	if evt.VTS != res.VTS || evt.CTS != 50 {
		t.Fatalf("unexpected event counters: cts=%d vts=%d (pub vts %d)", evt.CTS, evt.VTS, res.VTS)
	}
	if evt.Data == nil || *evt.Data != `{"state":"ready"}` {
		t.Fatalf("unexpected event data: %v", evt.Data)
	}
	if evt.Creator != "pub-worker" {
		t.Fatalf("expected creator pub-worker, got %q", evt.Creator)
	}

	// The publisher holds no subscription: its own commit must not echo.
	select {
	case node := <-publisher.Events():
		t.Fatalf("unexpected event on publisher session: %+v", node)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerSubscriberSeesOwnWrites(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	if _, err := cli.Sub(ctx, []string{"jobs", "#"}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	res, err := cli.Pub(ctx, []string{"jobs", "42"}, 7, "queued")
	if err != nil {
		t.Fatalf("pub: %v", err)
	}
	evt := waitEvent(t, cli, 2*time.Second)
	if evt.VTS != res.VTS {
		t.Fatalf("expected own write vts %d, got %d", res.VTS, evt.VTS)
	}
}

func TestServerDuplicateSubscribe(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()

	first, err := ts.Client.Sub(ctx, []string{"a", "*"})
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if first == 0 {
		t.Fatal("expected first subscribe to consume a tick")
	}
	second, err := ts.Client.Sub(ctx, []string{"a", "*"})
	if err != nil {
		t.Fatalf("duplicate sub: %v", err)
	}
	if second != 0 {
		t.Fatalf("expected duplicate subscribe vts 0, got %d", second)
	}

	if err := ts.Client.Unsub(ctx, []string{"a", "*"}); err != nil {
		t.Fatalf("unsub: %v", err)
	}
	// Unsubscribing an unknown pattern is a no-op.
	if err := ts.Client.Unsub(ctx, []string{"never", "registered"}); err != nil {
		t.Fatalf("unsub unknown: %v", err)
	}

	reSub, err := ts.Client.Sub(ctx, []string{"a", "*"})
	if err != nil {
		t.Fatalf("re-sub: %v", err)
	}
	if reSub == 0 {
		t.Fatal("expected re-subscribe after unsub to consume a tick")
	}
}

func TestServerStaleCtsRejected(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	if _, err := cli.Pub(ctx, []string{"doc"}, 100, "v1"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	_, err := cli.Pub(ctx, []string{"doc"}, 50, "stale")
	if err == nil {
		t.Fatal("expected stale cts rejection")
	}
	var respErr *client.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %T: %v", err, err)
	}
	if respErr.Code != api.CodePubCtsCheckFailed {
		t.Fatalf("expected pub_cts_check_failed, got %v", respErr.Code)
	}

	// Equal cts wins: last writer overwrites.
	if _, err := cli.Pub(ctx, []string{"doc"}, 100, "v2"); err != nil {
		t.Fatalf("pub equal cts: %v", err)
	}
	node, err := cli.Get(ctx, []string{"doc"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.Data == nil || *node.Data != "v2" {
		t.Fatalf("expected v2 after equal-cts overwrite, got %v", node.Data)
	}
}

func TestServerInvalidPathRejected(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()

	_, err := ts.Client.Pub(ctx, []string{"bad", "se/gment"}, 1, "x")
	if err == nil {
		t.Fatal("expected invalid path rejection")
	}
	var respErr *client.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %T", err)
	}
	if respErr.Code != api.CodeInvalidPathFormat {
		t.Fatalf("expected invalid_path_format, got %v", respErr.Code)
	}

	// Wildcards are delete-only targets.
	if _, err := ts.Client.Pub(ctx, []string{"a", "*"}, 1, "x"); err == nil {
		t.Fatal("expected wildcard publish rejection")
	}
}

func TestServerDeleteLifecycle(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	_, err := cli.Del(ctx, []string{"ghost"}, 5)
	if err == nil {
		t.Fatal("expected delete of unpublished path to fail")
	}
	var respErr *client.ResponseError
	if !errors.As(err, &respErr) || respErr.Code != api.CodeCannotDeleteNonExistingPath {
		t.Fatalf("expected cannot_delete_non_existing_path, got %v", err)
	}

	if _, err := cli.Pub(ctx, []string{"a", "b"}, 10, "one"); err != nil {
		t.Fatalf("pub a/b: %v", err)
	}
	second, err := cli.Pub(ctx, []string{"a", "c"}, 10, "two")
	if err != nil {
		t.Fatalf("pub a/c: %v", err)
	}

	res, err := cli.Del(ctx, []string{"a", "*"}, 20)
	if err != nil {
		t.Fatalf("wildcard delete: %v", err)
	}
	// Two candidates, one tick each, ascending path order: the reported
	// tick belongs to a/c.
	if res.VTS != second.VTS+2 {
		t.Fatalf("expected delete vts %d, got %d", second.VTS+2, res.VTS)
	}

	node, err := cli.Get(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if node == nil || !node.Deleted {
		t.Fatalf("expected tombstone, got %+v", node)
	}
	if node.Data != nil {
		t.Fatal("expected tombstone data to be nil")
	}

	nodes, err := cli.List(ctx, []string{"a", "*"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no live nodes after delete, got %d", len(nodes))
	}

	// Nothing live matches anymore, so no tick is consumed.
	res, err = cli.Del(ctx, []string{"a", "*"}, 30)
	if err != nil {
		t.Fatalf("repeat wildcard delete: %v", err)
	}
	if res.VTS != 0 {
		t.Fatalf("expected vts 0 for no-op wildcard delete, got %d", res.VTS)
	}
}

func TestServerPublishRevivesTombstone(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	cli := ts.Client

	if _, err := cli.Pub(ctx, []string{"doc"}, 10, "v1"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	if _, err := cli.Del(ctx, []string{"doc"}, 20); err != nil {
		t.Fatalf("del: %v", err)
	}
	res, err := cli.Pub(ctx, []string{"doc"}, 30, "v2")
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	node, err := cli.Get(ctx, []string{"doc"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.Deleted {
		t.Fatal("expected node revived")
	}
	if node.VTS != res.VTS || node.Data == nil || *node.Data != "v2" {
		t.Fatalf("unexpected revived node: %+v", node)
	}
}

func TestServerTombstoneEventsFanOut(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()

	if _, err := ts.Client.Sub(ctx, []string{"a", "#"}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if _, err := ts.Client.Pub(ctx, []string{"a", "b"}, 10, "x"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	created := waitEvent(t, ts.Client, 2*time.Second)
	if created.Deleted {
		t.Fatal("expected live event first")
	}

	res, err := ts.Client.Del(ctx, []string{"a", "*"}, 20)
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	tombstone := waitEvent(t, ts.Client, 2*time.Second)
	if !tombstone.Deleted {
		t.Fatalf("expected tombstone event, got %+v", tombstone)
	}
	if tombstone.VTS != res.VTS {
		t.Fatalf("expected tombstone vts %d, got %d", res.VTS, tombstone.VTS)
	}
	if tombstone.Data != nil {
		t.Fatal("expected tombstone event without data")
	}
}

func TestServerStatsAndHealthEndpoints(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()

	for _, route := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.BaseURL + route)
		if err != nil {
			t.Fatalf("get %s: %v", route, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", route, resp.StatusCode)
		}
	}

	if _, err := ts.Client.Sub(ctx, []string{"a", "#"}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if _, err := ts.Client.Pub(ctx, []string{"a", "b"}, 1, "x"); err != nil {
		t.Fatalf("pub: %v", err)
	}

	resp, err := http.Get(ts.BaseURL + "/v1/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", resp.StatusCode)
	}
	var stats api.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Sessions < 1 {
		t.Fatalf("expected at least one session, got %d", stats.Sessions)
	}
	if stats.SubscribedSessions != 1 || stats.Subscriptions != 1 {
		t.Fatalf("unexpected subscription stats: %+v", stats)
	}
	if stats.Version == "" {
		t.Fatal("expected version in stats")
	}

	if ts.Server.SessionCount() < 1 {
		t.Fatalf("expected live session count, got %d", ts.Server.SessionCount())
	}
}

func TestServerShutdownClosesSessions(t *testing.T) {
	ts := StartTestServer(t)
	cli := ts.Client

	if _, err := cli.Sub(context.Background(), []string{"a", "#"}); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if err := ts.Server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// Idempotent: a second shutdown is a no-op.
	if err := ts.Server.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	select {
	case _, ok := <-cli.Events():
		if ok {
			t.Fatal("expected event channel to close, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after shutdown")
	}
	waitFor(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return ts.Server.SessionCount() == 0
	})

	if _, err := cli.Pub(context.Background(), []string{"a", "b"}, 1, "x"); err == nil {
		t.Fatal("expected publish on closed session to fail")
	}
}

func TestStartServerStop(t *testing.T) {
	ctx := context.Background()
	srv, stop, err := StartServer(ctx, Config{Store: "mem://", Listen: "127.0.0.1:0"}, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	if srv.ListenerAddr() == nil {
		t.Fatal("expected listener address")
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestServerCustomIdentity(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Store: "mem://", Listen: "127.0.0.1:0"}
	srv, stop, err := StartServer(ctx, cfg,
		WithLogger(pslog.NoopLogger()),
		WithIdentity(func(*http.Request) (string, string) {
			return "gateway-user", "restricted"
		}),
	)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer stop(context.Background())

	cli, err := client.New("http://" + srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()

	if _, err := cli.Pub(ctx, []string{"doc"}, 1, "x"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	node, err := cli.Get(ctx, []string{"doc"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.Creator != "gateway-user" {
		t.Fatalf("expected creator gateway-user, got %q", node.Creator)
	}
	if node.ACL != "restricted" {
		t.Fatalf("expected session default acl restricted, got %q", node.ACL)
	}
}

func TestServerCreatorHeader(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()

	cli, err := ts.NewClient(client.WithCreator("worker-7"), client.WithDefaultACL("team"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer cli.Close()

	if _, err := cli.Pub(ctx, []string{"jobs", "7"}, 1, "x"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	node, err := cli.Get(ctx, []string{"jobs", "7"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node.Creator != "worker-7" {
		t.Fatalf("expected creator worker-7, got %q", node.Creator)
	}
	if node.ACL != "team" {
		t.Fatalf("expected acl team, got %q", node.ACL)
	}
}

func TestServerSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nodes.db")
	ts := StartTestServer(t, WithTestStore("sqlite://"+dbPath))
	ctx := context.Background()

	if _, err := ts.Client.Pub(ctx, []string{"persist", "me"}, 42, "payload"); err != nil {
		t.Fatalf("pub: %v", err)
	}
	node, err := ts.Client.Get(ctx, []string{"persist", "me"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if node == nil || node.CTS != 42 {
		t.Fatalf("unexpected node from sqlite store: %+v", node)
	}
}
