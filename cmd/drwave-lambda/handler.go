package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/coordinator"
	"github.com/drwave/drwave/pkg/telemetry"
	"github.com/drwave/drwave/pkg/transport"
)

// scheduledEventSource is the source of EventBridge schedule events.
const scheduledEventSource = "aws.events"

type invocationHandler interface {
	Handle(ctx context.Context, inv transport.Invocation) *transport.Response
}

type ticker interface {
	Tick(ctx context.Context) (*coordinator.TickResult, error)
}

// handler accepts either a transport invocation or an EventBridge scheduled
// event. Scheduled events run one coordinator tick.
type handler struct {
	dispatcher  invocationHandler
	coordinator ticker
	telemetry   *telemetry.Telemetry
	logger      zerolog.Logger
}

func (h *handler) Handle(ctx context.Context, payload json.RawMessage) (_ interface{}, err error) {
	requestID := ""
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		requestID = lc.AwsRequestID
	}
	if h.telemetry != nil {
		ctx = h.telemetry.WithContext(ctx)
	}
	op := telemetry.StartOperation(ctx, "lambda.invoke", telemetry.AttrRequestID.String(requestID))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	log := h.logger.With().Str("request_id", requestID).Logger()
	if id := telemetry.TraceID(ctx); id != "" {
		log = log.With().Str("trace_id", id).Logger()
	}

	var event events.CloudWatchEvent
	if jerr := json.Unmarshal(payload, &event); jerr == nil && event.Source == scheduledEventSource {
		result, err := h.coordinator.Tick(ctx)
		if err != nil {
			log.Error().Err(err).Msg("coordinator tick failed")
			return nil, err
		}
		log.Info().
			Int("executions", len(result.Steps)).
			Int("waves_started", result.Count(coordinator.ActionWaveStarted)).
			Int("finalized", result.Count(coordinator.ActionFinalized)).
			Msg("coordinator tick")
		return result, nil
	}

	var inv transport.Invocation
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("payload is neither an invocation nor a scheduled event: %w", err)
	}

	resp := h.dispatcher.Handle(ctx, inv)
	log.Debug().
		Str("operation", inv.Operation).
		Bool("ok", resp.OK).
		Msg("invocation handled")
	return resp, nil
}
