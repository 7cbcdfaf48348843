package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/drwave/drwave/pkg/app"
	"github.com/drwave/drwave/pkg/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("DRWAVE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble service")
	}

	h := &handler{
		dispatcher:  a.Dispatcher,
		coordinator: a.Coordinator,
		telemetry:   a.Telemetry,
		logger:      a.Logger.With().Str("component", "lambda").Logger(),
	}
	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		_ = a.Close(context.Background())
	}))
}
