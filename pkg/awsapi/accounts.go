package awsapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DRSAPI is the subset of the Elastic Disaster Recovery client in use.
type DRSAPI interface {
	StartRecovery(ctx context.Context, in *drs.StartRecoveryInput, optFns ...func(*drs.Options)) (*drs.StartRecoveryOutput, error)
	DescribeJobs(ctx context.Context, in *drs.DescribeJobsInput, optFns ...func(*drs.Options)) (*drs.DescribeJobsOutput, error)
	DescribeJobLogItems(ctx context.Context, in *drs.DescribeJobLogItemsInput, optFns ...func(*drs.Options)) (*drs.DescribeJobLogItemsOutput, error)
	DescribeSourceServers(ctx context.Context, in *drs.DescribeSourceServersInput, optFns ...func(*drs.Options)) (*drs.DescribeSourceServersOutput, error)
}

// EC2API is the subset of the EC2 client in use.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// ClientFactory returns service clients scoped to one account and region.
type ClientFactory interface {
	Recovery(ctx context.Context, accountID, region string) (DRSAPI, error)
	Compute(ctx context.Context, accountID, region string) (EC2API, error)
}

// Config configures cross-account access.
type Config struct {
	// Region is the default region for calls that do not name one.
	Region string `yaml:"region" validate:"required"`

	// HomeAccountID is the account the process runs in. Calls for it use the
	// base credentials instead of assuming a role.
	HomeAccountID string `yaml:"home_account_id"`

	// CrossAccountRole is the role name assumed in every linked account.
	CrossAccountRole string `yaml:"cross_account_role"`

	// SessionName is the role session name.
	SessionName string `yaml:"session_name"`

	// RatePerSecond and Burst bound calls per account and region.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`

	// LinkedAccounts lists the accounts the inventory refresher visits.
	LinkedAccounts []string `yaml:"linked_accounts"`
}

// DefaultConfig returns the default cross-account configuration.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		CrossAccountRole: "DRWaveCrossAccountRole",
		SessionName:      "drwave",
		RatePerSecond:    5,
		Burst:            10,
	}
}

// RoleARN returns the cross-account role ARN for accountID.
func (c Config) RoleARN(accountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, c.CrossAccountRole)
}

// LoadBaseConfig loads the default AWS configuration for region.
func LoadBaseConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// AccountClients builds and caches per-account, per-region clients. Linked
// accounts are reached by assuming CrossAccountRole; credentials are cached
// and refreshed by the SDK.
type AccountClients struct {
	base    aws.Config
	cfg     Config
	logger  zerolog.Logger
	mu      sync.Mutex
	creds   map[string]aws.CredentialsProvider
	drs     map[string]*drs.Client
	ec2     map[string]*ec2.Client
	limiter *Limiter
}

var _ ClientFactory = (*AccountClients)(nil)

// NewAccountClients creates a client factory from the base configuration.
func NewAccountClients(base aws.Config, cfg Config, logger zerolog.Logger) *AccountClients {
	if cfg.SessionName == "" {
		cfg.SessionName = "drwave"
	}
	return &AccountClients{
		base:    base,
		cfg:     cfg,
		logger:  logger.With().Str("component", "aws_clients").Logger(),
		creds:   make(map[string]aws.CredentialsProvider),
		drs:     make(map[string]*drs.Client),
		ec2:     make(map[string]*ec2.Client),
		limiter: NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Limiter returns the shared per-account, per-region limiter.
func (a *AccountClients) Limiter() *Limiter {
	return a.limiter
}

// Recovery returns an Elastic Disaster Recovery client for accountID in region.
func (a *AccountClients) Recovery(_ context.Context, accountID, region string) (DRSAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := clientKey(accountID, a.region(region))
	if c, ok := a.drs[key]; ok {
		return c, nil
	}
	cfg := a.configLocked(accountID, region)
	c := drs.NewFromConfig(cfg)
	a.drs[key] = c
	return c, nil
}

// Compute returns an EC2 client for accountID in region.
func (a *AccountClients) Compute(_ context.Context, accountID, region string) (EC2API, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := clientKey(accountID, a.region(region))
	if c, ok := a.ec2[key]; ok {
		return c, nil
	}
	cfg := a.configLocked(accountID, region)
	c := ec2.NewFromConfig(cfg)
	a.ec2[key] = c
	return c, nil
}

func (a *AccountClients) region(region string) string {
	if region == "" {
		return a.cfg.Region
	}
	return region
}

// configLocked returns an aws.Config for accountID in region. a.mu must be held.
func (a *AccountClients) configLocked(accountID, region string) aws.Config {
	cfg := a.base.Copy()
	cfg.Region = a.region(region)

	if accountID == "" || accountID == a.cfg.HomeAccountID || a.cfg.CrossAccountRole == "" {
		return cfg
	}

	provider, ok := a.creds[accountID]
	if !ok {
		roleARN := a.cfg.RoleARN(accountID)
		a.logger.Debug().Str("account_id", accountID).Str("role_arn", roleARN).Msg("assuming cross-account role")
		stsClient := sts.NewFromConfig(a.base)
		provider = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = a.cfg.SessionName
		}))
		a.creds[accountID] = provider
	}
	cfg.Credentials = provider
	return cfg
}

func clientKey(accountID, region string) string {
	return accountID + "/" + region
}
