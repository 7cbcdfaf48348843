// Package app assembles a running drwave service from a config.Config. The
// CLI and the Lambda handler both build one App and drive it through its
// Dispatcher or Coordinator.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/drwave/drwave/pkg/awsapi"
	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/config"
	"github.com/drwave/drwave/pkg/coordinator"
	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/notify"
	"github.com/drwave/drwave/pkg/policy"
	"github.com/drwave/drwave/pkg/stores"
	"github.com/drwave/drwave/pkg/telemetry"
	"github.com/drwave/drwave/pkg/transport"
)

// App holds every wired component.
type App struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger

	Store       stores.Store
	Engine      *engine.Engine
	Cache       *capacity.Cache
	Refresher   *capacity.Refresher
	Claims      *claims.Detector
	Notifier    *notify.Dispatcher
	Policy      *policy.Engine
	Dispatcher  *transport.Dispatcher
	Coordinator *coordinator.Coordinator

	closers []func(context.Context) error
}

type options struct {
	store     stores.Store
	clients   awsapi.ClientFactory
	awsConfig *aws.Config
	telemetry *telemetry.Telemetry
	clock     engine.Clock
}

// Option customizes New.
type Option func(*options)

// WithStore uses store instead of opening the configured one. The App does
// not close it.
func WithStore(store stores.Store) Option {
	return func(o *options) { o.store = store }
}

// WithClientFactory uses clients for the recovery and compute services
// instead of assuming roles from the default AWS configuration.
func WithClientFactory(clients awsapi.ClientFactory) Option {
	return func(o *options) { o.clients = clients }
}

// WithAWSConfig uses cfg instead of loading the default AWS configuration.
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *options) { o.awsConfig = &cfg }
}

// WithTelemetry uses tel instead of building one from the configuration.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithClock injects the clock shared by the engine, cache, detector and
// coordinator.
func WithClock(clock engine.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New builds the service. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := &options{clock: engine.SystemClock{}}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	tel := o.telemetry
	if tel == nil {
		if tel, err = telemetry.NewTelemetry(&cfg.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.closers = append(a.closers, tel.Shutdown)
	}
	a.Telemetry = tel
	a.Logger = tel.Logger.Zerolog()

	var awsCfg aws.Config
	needAWS := o.clients == nil || (o.store == nil && cfg.Store.Driver == config.DriverDynamoDB)
	switch {
	case o.awsConfig != nil:
		awsCfg = *o.awsConfig
	case needAWS:
		if awsCfg, err = awsapi.LoadBaseConfig(ctx, cfg.AWS.Region); err != nil {
			return nil, err
		}
	}

	if a.Store = o.store; a.Store == nil {
		if a.Store, err = openStore(ctx, cfg.Store, awsCfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.Store.Close() })
	}

	var limiter *awsapi.Limiter
	clients := o.clients
	if clients == nil {
		ac := awsapi.NewAccountClients(awsCfg, cfg.AWS, a.Logger)
		clients, limiter = ac, ac.Limiter()
	} else {
		limiter = awsapi.NewLimiter(rate.Limit(cfg.AWS.RatePerSecond), cfg.AWS.Burst)
	}
	recovery := awsapi.NewRecoveryClient(clients, limiter, cfg.AWS.Region, a.Logger, tel.Metrics, tel.Tracer)
	compute := awsapi.NewComputeClient(clients, limiter, cfg.AWS.Region, a.Logger, tel.Metrics, tel.Tracer)

	a.Notifier = notify.NewDispatcher(cfg.Notify, a.Logger, tel.Metrics)
	a.Notifier.Subscribe("log", notify.LogSink(a.Logger), nil)
	a.closers = append(a.closers, a.Notifier.Shutdown)

	a.Claims = claims.NewDetector(a.Store, a.Store, cfg.Claims, o.clock, a.Logger, tel.Metrics)

	a.Engine, err = engine.New(engine.Dependencies{
		Store:              a.Store,
		Recovery:           recovery,
		Compute:            compute,
		Claims:             a.Claims,
		Notifier:           a.Notifier,
		Clock:              o.clock,
		Logger:             a.Logger,
		Metrics:            tel.Metrics,
		Tracer:             tel.Tracer,
		WriteAttempts:      cfg.Engine.WriteAttempts,
		ReservationTimeout: cfg.Engine.ReservationTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	a.Cache = capacity.NewCache(a.Store, cfg.Cache, o.clock, a.Logger, tel.Metrics)
	a.Refresher = capacity.NewRefresher(recovery, a.Store, a.Cache, nil, o.clock, a.Logger)

	if a.Policy, err = policy.NewEngine(a.Logger); err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err = a.Policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	a.Dispatcher, err = transport.NewDispatcher(transport.Config{
		Executions: a.Engine,
		Capacity:   a.Cache,
		Claims:     a.Claims,
		Authorizer: a.Policy,
		Audit:      a.Store,
		Logger:     a.Logger,
		Metrics:    tel.Metrics,
		Tracer:     tel.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	ccfg := cfg.Coordinator
	ccfg.ReservationTimeout = cfg.Engine.ReservationTimeout
	a.Coordinator = coordinator.New(a.Engine, a.Cache, ccfg, o.clock, a.Logger)

	a.Logger.Debug().
		Str("store", cfg.Store.Driver).
		Str("region", cfg.AWS.Region).
		Int("policies", len(a.Policy.ListPolicies())).
		Msg("service assembled")
	return a, nil
}

// WatchPolicies reloads the policy files when they change, until ctx ends.
func (a *App) WatchPolicies(ctx context.Context) error {
	if len(a.Config.Policy.Paths) == 0 || !a.Config.Policy.Watch {
		return nil
	}
	return a.Policy.Watch(ctx, a.Config.Policy.Paths)
}

// Close releases every component in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig, awsCfg aws.Config) (stores.Store, error) {
	switch cfg.Driver {
	case config.DriverDynamoDB:
		s, err := stores.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Dynamo)
		if err != nil {
			return nil, fmt.Errorf("failed to open dynamodb store: %w", err)
		}
		return s, nil
	case config.DriverSQLite, "":
		s, err := stores.NewSQLiteStore(cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
