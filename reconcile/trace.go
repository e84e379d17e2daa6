package reconcile

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "board-sync/reconcile"
	applySpanName   = "reconcile.apply"
	actionSpanName  = "reconcile.action"
	eventTypeKey    = "event.type"
	eventOutcomeKey = "event.outcome"
	taskIDKey       = "task.id"
	actionKey       = "action.name"
)

// Outcome of handling one inbound envelope.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Stale     Outcome = "stale"
	Ignored   Outcome = "ignored"
	Invalid   Outcome = "invalid"
)

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

type applyTrace struct {
	span   trace.Span
	logger *log.Logger
	fields log.Fields
}

func startApply(ctx context.Context, logger *log.Logger, eventType string) (context.Context, *applyTrace) {
	ctx, span := tracer().Start(ctx, applySpanName, trace.WithAttributes(attribute.String(eventTypeKey, eventType)))
	return ctx, &applyTrace{span: span, logger: logger, fields: log.Fields{eventTypeKey: eventType}}
}

func (t *applyTrace) task(id string) {
	if id == "" {
		return
	}
	t.span.SetAttributes(attribute.String(taskIDKey, id))
	t.fields[taskIDKey] = id
}

func (t *applyTrace) end(o Outcome, err error) {
	t.span.SetAttributes(attribute.String(eventOutcomeKey, string(o)))
	t.fields[eventOutcomeKey] = string(o)
	entry := t.logger.WithFields(t.fields)
	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
		entry = entry.WithError(err)
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	entry.Debug("reconcile.event")
	t.span.End()
}

func startAction(ctx context.Context, name, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(actionKey, name)}
	if taskID != "" {
		attrs = append(attrs, attribute.String(taskIDKey, taskID))
	}
	return tracer().Start(ctx, actionSpanName, trace.WithAttributes(attrs...))
}

func endAction(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
