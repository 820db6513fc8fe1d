// Package syncd exposes the Go APIs behind the path-addressed key/value
// synchronization service. Every write carries a client timestamp and is
// stamped with a server version from a global tick counter, so replicas can
// order updates deterministically; sessions subscribe to path patterns over a
// websocket and receive every matching change as it commits. The server runs
// fine as a standalone binary, but the package also makes it easy to embed a
// server in an existing process or drive one from Go clients.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on the TCP address in `Config.Listen` (default ":9741")
// and serves the sync websocket on `/v1/sync`.
//
//	cfg := syncd.Config{
//	    Store:  "sqlite:///var/lib/syncd/nodes.db",
//	    Listen: ":9741",
//	}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("syncd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("syncd shutdown: %v", err)
//	    }
//	}()
//
// # Version counters
//
// Each node records two counters. The client timestamp (cts) is supplied by
// the writer and guards against stale publishes: a publish whose cts is older
// than the stored one is rejected, while an equal cts wins and overwrites.
// The version timestamp (vts) is assigned by the server from a single
// monotonic counter shared by all paths, so any two committed changes are
// globally ordered. Reads never consume a tick.
//
// # Client SDK
//
// The Go client (`pkt.systems/syncd/client`) opens one websocket session and
// multiplexes requests over it. Plain `http://` base URLs dial `ws://`,
// `https://` dials `wss://`.
//
//	cli, err := client.New("http://sync.example.com:9741",
//	    client.WithCreator("worker-1"))
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//
//	if _, err := cli.Sub(ctx, []string{"fleet", "*", "status"}); err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    for node := range cli.Events() {
//	        log.Printf("update %v vts=%d", node.Path, node.VTS)
//	    }
//	}()
//	res, err := cli.Pub(ctx, []string{"fleet", "web-1", "status"},
//	    time.Now().UnixMilli(), `{"state":"ready"}`)
//	if err != nil { log.Fatal(err) }
//	log.Printf("committed vts=%d", res.VTS)
//
// Subscription patterns match literal segments, `*` for exactly one segment,
// or a terminal `#` for any remaining depth. Deletes (`Client.Del`) accept
// the same wildcards and tombstone every matching live node in one batch.
//
// # Storage backends
//
// Configure the storage layer via `Config.Store`:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `sqlite:///var/lib/syncd/nodes.db` – single-file SQLite, WAL mode
//   - `sqlite://:memory:` – in-memory SQLite (exercises the SQL path in tests)
//
// Both backends persist tombstones so deletes replicate with the same
// ordering guarantees as publishes.
//
// # Embedding in tests
//
// `StartTestServer` boots a server on a loopback port with an in-memory
// store, connects a client, and registers cleanup with the test:
//
//	ts := syncd.StartTestServer(t)
//	res, err := ts.Client.Pub(ctx, []string{"a", "b"}, 1, "payload")
//
// Consult README.md for operational guidance, environment variables, and the
// command-line client.
package syncd
