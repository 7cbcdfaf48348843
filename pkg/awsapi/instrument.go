package awsapi

import (
	"context"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// instrument wraps every upstream call with throttling, a span, metrics and
// error classification.
type instrument struct {
	api     string
	limiter *Limiter
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

func (in instrument) call(ctx context.Context, accountID, region, operation string, fn func(ctx context.Context) error) (err error) {
	if err := in.limiter.Wait(ctx, accountID, region); err != nil {
		return Classify(in.api, operation, err)
	}

	ctx, span := in.tracer.StartUpstreamSpan(ctx, in.api, operation)
	span.SetAttributes(
		telemetry.AttrAccountID.String(accountID),
		telemetry.AttrRegion.String(region),
	)
	timer := telemetry.NewTimer()
	defer func() {
		in.metrics.RecordUpstreamCall(in.api, operation, timer.Duration())
		if err != nil {
			in.metrics.RecordUpstreamError(in.api, engine.CodeOf(err))
		}
		telemetry.EndSpan(span, err)
	}()

	return Classify(in.api, operation, fn(ctx))
}
