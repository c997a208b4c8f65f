package otelhelper

import (
	"github.com/dukex/waypoint/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorTerminalKey marks whether a recorded error ends the step without retry.
const ErrorTerminalKey = "waypoint.error.terminal"

// SetError records err on the span and flags it as terminal or transient.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool(ErrorTerminalKey, models.IsTerminal(err)))
	span.AddEvent("step_error", trace.WithAttributes(attrs...))
}
