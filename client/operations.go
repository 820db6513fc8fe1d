package client

import (
	"context"

	"pkt.systems/syncd/api"
)

// PubResult reports the outcome of an accepted publish.
type PubResult struct {
	// CTS echoes the client timestamp the write carried.
	CTS int64
	// VTS is the highest version tick the operation consumed. A wildcard
	// delete that matched nothing reports 0.
	VTS int64
}

// PubOption customizes a single publish.
type PubOption func(*api.ClientFrame)

// WithACL sets the access tag on the written node. Changing an existing
// node's tag consumes an extra version tick.
func WithACL(acl string) PubOption {
	return func(f *api.ClientFrame) { f.ACL = acl }
}

// WithTTLSeconds requests record expiry after the given number of seconds.
// The server currently accepts and ignores it.
func WithTTLSeconds(ttl int64) PubOption {
	return func(f *api.ClientFrame) { f.TTLSeconds = ttl }
}

// WithoutData publishes the node with no payload. The node stays live;
// only deletes produce tombstones.
func WithoutData() PubOption {
	return func(f *api.ClientFrame) { f.Data = nil }
}

// Pub writes data at path with the given client timestamp. The write is
// rejected with CodePubCtsCheckFailed when the stored record carries a
// newer timestamp.
func (c *Client) Pub(ctx context.Context, path []string, cts int64, data string, opts ...PubOption) (*PubResult, error) {
	frame := &api.ClientFrame{
		Op:   api.OpPublish,
		CTS:  cts,
		Path: path,
		Data: &data,
	}
	for _, opt := range opts {
		opt(frame)
	}
	return c.publish(ctx, frame)
}

// Del tombstones the node at target, or every matching node when target is
// a pattern. Literal deletes of never-written paths fail with
// CodeCannotDeleteNonExistingPath; wildcard deletes silently skip nodes
// holding a newer timestamp.
func (c *Client) Del(ctx context.Context, target []string, cts int64, opts ...PubOption) (*PubResult, error) {
	frame := &api.ClientFrame{
		Op:     api.OpPublish,
		CTS:    cts,
		Path:   target,
		Delete: true,
	}
	for _, opt := range opts {
		opt(frame)
	}
	return c.publish(ctx, frame)
}

func (c *Client) publish(ctx context.Context, frame *api.ClientFrame) (*PubResult, error) {
	resp, err := c.request(ctx, frame)
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return &PubResult{CTS: resp.CTS, VTS: resp.VTS}, nil
}

// Sub registers pattern for Data events on this session and returns the
// version tick the registration consumed. Re-subscribing to an already
// held pattern returns 0.
func (c *Client) Sub(ctx context.Context, pattern []string) (int64, error) {
	resp, err := c.request(ctx, &api.ClientFrame{
		Op:      api.OpSubscribe,
		Pattern: pattern,
	})
	if err != nil {
		return 0, err
	}
	if err := responseError(resp); err != nil {
		return 0, err
	}
	return resp.VTS, nil
}

// Unsub removes pattern from this session's subscriptions. Removing a
// pattern that was never registered is not an error.
func (c *Client) Unsub(ctx context.Context, pattern []string) error {
	resp, err := c.request(ctx, &api.ClientFrame{
		Op:      api.OpUnsubscribe,
		Pattern: pattern,
	})
	if err != nil {
		return err
	}
	return responseError(resp)
}

// Get reads the node at path, tombstones included. It returns nil without
// error when the path has never been written.
func (c *Client) Get(ctx context.Context, path []string) (*api.Node, error) {
	resp, err := c.request(ctx, &api.ClientFrame{
		Op:   api.OpGet,
		Path: path,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Node, nil
}

// List reads every live node matching pattern, ordered by path.
func (c *Client) List(ctx context.Context, pattern []string) ([]api.Node, error) {
	resp, err := c.request(ctx, &api.ClientFrame{
		Op:      api.OpList,
		Pattern: pattern,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}
