package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansReachExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("odorseq", "test", exporter))

	ctx, run := StartSpan(context.Background(), "run", "INTERNAL")
	run.WithAttributes(map[string]string{"pattern": "Z10_A3;1"})
	_, step := StartSpan(ctx, "step", "")
	step.Event("ack", map[string]string{"n": "1"})
	EndSpan(step, nil)
	EndSpan(run, errors.New("hardware fault"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "step", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Len(t, spans[0].Events, 1)
	assert.Equal(t, "run", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestNilSpanIsSafe(t *testing.T) {
	var sp *Span
	sp.WithAttributes(map[string]string{"a": "b"})
	sp.Event("x", nil)
	sp.SetStatus(errors.New("x"))
	EndSpan(sp, nil)
}
