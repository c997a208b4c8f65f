package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := StartSpan(context.Background(), provider.Tracer("test"), "step",
		attribute.String(StepIDKey, "charge"))
	SetError(span, errors.New("card declined"), attribute.Int(AttemptKey, 2))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "card declined", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String(StepIDKey, "charge"))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool(ErrorTerminalKey, false))
}

func TestSetError_Terminal(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := StartSpan(context.Background(), provider.Tracer("test"), "step")
	SetError(span, models.Terminal(errors.New("syntax error")))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes(), attribute.Bool(ErrorTerminalKey, true))
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "step_error", spans[0].Events()[1].Name)
}
