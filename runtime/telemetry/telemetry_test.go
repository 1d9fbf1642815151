package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	logger := NewNoopLogger()
	logger.Debug(ctx, "debug", "k", "v")
	logger.Info(ctx, "info", "k", "v")
	logger.Warn(ctx, "warn", "k", "v")
	logger.Error(ctx, "error", "err", errors.New("boom"))

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1, "op", "x")
	metrics.RecordTimer("t", time.Millisecond, "op", "x")

	newCtx, span := NewNoopTracer().Start(ctx, "op")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("e", "k", 1)
	span.SetStatus(codes.Error, "failed")
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestFieldersSkipsNonStringKeys(t *testing.T) {
	got := fielders("hello", []any{"a", 1, 2, "b", "c"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "c", V: nil},
	}, got)
}

func TestTagAttrs(t *testing.T) {
	require.Equal(t, []attribute.KeyValue{
		attribute.String("op", "append"),
		attribute.String("dangling", ""),
	}, tagAttrs([]string{"op", "append", "dangling"}))
}

func TestKVAttrs(t *testing.T) {
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 2),
		attribute.Bool("b", true),
		attribute.String("d", "1s"),
	}, kvAttrs([]any{"s", "v", "i", 2, "b", true, "d", time.Second}))
}

func TestOTELImplementationsUseGlobalProviders(t *testing.T) {
	ctx, span := NewOTELTracer().Start(context.Background(), "session.test")
	require.NotNil(t, ctx)
	span.AddEvent("checkpoint", "n", 1)
	span.End()

	m := NewOTELMetrics()
	m.IncCounter("session.test.count", 1, "op", "test")
	m.RecordTimer("session.test.duration", time.Millisecond)
}
