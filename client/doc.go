// Package client provides the Go SDK for talking to a syncd server over a
// websocket sync session. It exposes the same five operations as the wire
// protocol with request/response correlation and an event channel for the
// asynchronous Data fan-out.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
// Construct a client with `client.New`. The URL scheme decides the
// transport: http/ws for plaintext, https/wss for TLS.
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:9741",
//	    client.WithCreator("sensor-7"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	if _, err := cli.Sub(ctx, []string{"fleet", "#"}); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.Pub(ctx, []string{"fleet", "truck-1", "pos"}, 1, `{"lat":57.7}`); err != nil {
//	    log.Fatal(err)
//	}
//	for node := range cli.Events() {
//	    fmt.Println(strings.Join(node.Path, "/"), node.VTS)
//	}
//
// Failed operations return *ResponseError carrying the server's response
// code, so callers can branch on conflicts:
//
//	_, err := cli.Pub(ctx, path, cts, data)
//	var respErr *client.ResponseError
//	if errors.As(err, &respErr) && respErr.Code == api.CodePubCtsCheckFailed {
//	    // refresh cts and retry
//	}
package client
