package entity

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

var tracePropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// CaptureTrace stores the span context of ctx on the entity so that later
// processing on any instance can continue the same trace.
func (e *StatefulEntity) CaptureTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	tracePropagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	e.TraceContext = map[string]string(carrier)
}

// TraceContextFrom returns ctx enriched with the span context captured on e.
func TraceContextFrom(ctx context.Context, e *StatefulEntity) context.Context {
	if len(e.TraceContext) == 0 {
		return ctx
	}
	return tracePropagator.Extract(ctx, propagation.MapCarrier(e.TraceContext))
}
