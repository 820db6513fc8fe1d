// Package logging decorates a storage backend with trace spans and
// per-operation debug logs.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/correlation"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap decorates inner with trace spans and debug logging. The returned
// backend implements storage.NodeCounter only when inner does, so
// capability probes through the wrapper see the same surface.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	b := &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/syncd/storage"),
	}
	if counter, ok := inner.(storage.NodeCounter); ok {
		return &counterBackend{backend: b, counter: counter}
	}
	return b
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "syncd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("syncd.storage.operation", op))

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("syncd.correlation_id", corr))
	}
	finish := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("syncd.storage.end", trace.WithAttributes(
			attribute.Int64("syncd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
	return ctx, span, logger, begin, finish
}

func (b *backend) Get(ctx context.Context, p path.Path) (*storage.Node, string, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "get")
	defer span.End()

	flat := p.String()
	span.SetAttributes(attribute.String("syncd.storage.path", flat))
	node, etag, err := b.inner.Get(ctx, p)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Misses are routine: every create probes the path first.
		span.SetAttributes(attribute.Bool("syncd.storage.found", false))
		finish(nil)
		logger.Debug("storage.get.miss", "path", flat, "elapsed", time.Since(begin))
	case err != nil:
		finish(err)
		logger.Debug("storage.get.failed", "path", flat, "error", err, "elapsed", time.Since(begin))
	default:
		span.SetAttributes(
			attribute.Bool("syncd.storage.found", true),
			attribute.Bool("syncd.storage.deleted", node.Deleted),
			attribute.Int64("syncd.storage.vts", node.VTS),
		)
		finish(nil)
		logger.Debug("storage.get",
			"path", flat,
			"vts", node.VTS,
			"deleted", node.Deleted,
			"etag", etag,
			"elapsed", time.Since(begin),
		)
	}
	return node, etag, err
}

func (b *backend) Put(ctx context.Context, node *storage.Node, expectedETag string) (string, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "put")
	defer span.End()

	flat := node.Path.String()
	span.SetAttributes(
		attribute.String("syncd.storage.path", flat),
		attribute.Bool("syncd.storage.create", expectedETag == ""),
		attribute.Bool("syncd.storage.tombstone", node.Deleted),
	)
	newETag, err := b.inner.Put(ctx, node, expectedETag)
	switch {
	case errors.Is(err, storage.ErrCASMismatch), errors.Is(err, storage.ErrNotFound):
		// Lost races surface here; the engine re-reads and retries.
		span.SetAttributes(attribute.Bool("syncd.storage.conflict", true))
		finish(nil)
		logger.Debug("storage.put.conflict", "path", flat, "error", err, "elapsed", time.Since(begin))
	case err != nil:
		finish(err)
		logger.Debug("storage.put.failed", "path", flat, "error", err, "elapsed", time.Since(begin))
	default:
		span.SetAttributes(attribute.Int64("syncd.storage.vts", node.VTS))
		finish(nil)
		logger.Debug("storage.put",
			"path", flat,
			"vts", node.VTS,
			"tombstone", node.Deleted,
			"new_etag", newETag,
			"elapsed", time.Since(begin),
		)
	}
	return newETag, err
}

func (b *backend) FindMatching(ctx context.Context, pattern path.Pattern) ([]*storage.Node, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "find_matching")
	defer span.End()

	span.SetAttributes(attribute.String("syncd.storage.pattern", pattern.String()))
	nodes, err := b.inner.FindMatching(ctx, pattern)
	if err != nil {
		finish(err)
		logger.Debug("storage.find_matching.failed", "pattern", pattern.String(), "error", err, "elapsed", time.Since(begin))
		return nodes, err
	}
	span.SetAttributes(attribute.Int("syncd.storage.node_count", len(nodes)))
	finish(nil)
	logger.Debug("storage.find_matching", "pattern", pattern.String(), "count", len(nodes), "elapsed", time.Since(begin))
	return nodes, nil
}

func (b *backend) NextTick(ctx context.Context) (int64, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "next_tick")
	defer span.End()

	tick, err := b.inner.NextTick(ctx)
	if err != nil {
		finish(err)
		logger.Debug("storage.next_tick.failed", "error", err, "elapsed", time.Since(begin))
		return tick, err
	}
	span.SetAttributes(attribute.Int64("syncd.storage.tick", tick))
	finish(nil)
	logger.Debug("storage.next_tick", "tick", tick, "elapsed", time.Since(begin))
	return tick, nil
}

func (b *backend) Close() error {
	_, span, logger, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	if err := b.inner.Close(); err != nil {
		finish(err)
		logger.Debug("storage.close.failed", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish(nil)
	logger.Debug("storage.close", "elapsed", time.Since(begin))
	return nil
}

// counterBackend carries the NodeCounter capability through the wrapper.
type counterBackend struct {
	*backend
	counter storage.NodeCounter
}

func (b *counterBackend) CountNodes(ctx context.Context) (int64, int64, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "count_nodes")
	defer span.End()

	live, tombstones, err := b.counter.CountNodes(ctx)
	if err != nil {
		finish(err)
		logger.Debug("storage.count_nodes.failed", "error", err, "elapsed", time.Since(begin))
		return live, tombstones, err
	}
	span.SetAttributes(
		attribute.Int64("syncd.storage.live_nodes", live),
		attribute.Int64("syncd.storage.tombstones", tombstones),
	)
	finish(nil)
	logger.Debug("storage.count_nodes", "live", live, "tombstones", tombstones, "elapsed", time.Since(begin))
	return live, tombstones, nil
}
