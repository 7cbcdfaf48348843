package awsapi

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// instanceNotFoundCode is returned by EC2 when any requested instance id is
// unknown, failing the whole batch.
const instanceNotFoundCode = "InvalidInstanceID.NotFound"

// ComputeClient implements engine.ComputeAPI on EC2.
type ComputeClient struct {
	clients ClientFactory
	region  string
	in      instrument
	logger  zerolog.Logger
}

var _ engine.ComputeAPI = (*ComputeClient)(nil)

// NewComputeClient creates a compute metadata adapter.
func NewComputeClient(clients ClientFactory, limiter *Limiter, defaultRegion string, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *ComputeClient {
	return &ComputeClient{
		clients: clients,
		region:  defaultRegion,
		in:      instrument{api: APICompute, limiter: limiter, metrics: metrics, tracer: tracer},
		logger:  logger.With().Str("component", "compute_client").Logger(),
	}
}

// DescribeInstances returns metadata keyed by instance id. Newly launched
// instances may not be visible yet; when the batch lookup fails for that
// reason each id is retried alone and the missing ones are omitted.
func (c *ComputeClient) DescribeInstances(ctx context.Context, accountID, region string, instanceIDs []string) (map[string]engine.InstanceMetadata, error) {
	if region == "" {
		region = c.region
	}
	out := make(map[string]engine.InstanceMetadata, len(instanceIDs))
	if len(instanceIDs) == 0 {
		return out, nil
	}

	client, err := c.clients.Compute(ctx, accountID, region)
	if err != nil {
		return nil, Classify(APICompute, "DescribeInstances", err)
	}

	err = c.describe(ctx, client, accountID, region, instanceIDs, out)
	if err == nil {
		return out, nil
	}
	if errorCode(err) != instanceNotFoundCode {
		return nil, err
	}

	c.logger.Debug().Int("instances", len(instanceIDs)).Msg("batch lookup hit an unknown instance, retrying individually")
	for _, id := range instanceIDs {
		err := c.describe(ctx, client, accountID, region, []string{id}, out)
		if err == nil {
			continue
		}
		if errorCode(err) == instanceNotFoundCode {
			continue
		}
		return nil, err
	}
	return out, nil
}

func (c *ComputeClient) describe(ctx context.Context, client EC2API, accountID, region string, ids []string, out map[string]engine.InstanceMetadata) error {
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	for {
		var page *ec2.DescribeInstancesOutput
		err := c.in.call(ctx, accountID, region, "DescribeInstances", func(ctx context.Context) error {
			var err error
			page, err = client.DescribeInstances(ctx, input)
			return err
		})
		if err != nil {
			return err
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				out[aws.ToString(inst.InstanceId)] = toMetadata(inst)
			}
		}
		if aws.ToString(page.NextToken) == "" {
			return nil
		}
		input.NextToken = page.NextToken
	}
}

func toMetadata(inst types.Instance) engine.InstanceMetadata {
	md := engine.InstanceMetadata{
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		InstanceType: string(inst.InstanceType),
		Hostname:     aws.ToString(inst.PrivateDnsName),
	}
	if inst.State != nil {
		md.State = string(inst.State.Name)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" && aws.ToString(tag.Value) != "" {
			md.Hostname = aws.ToString(tag.Value)
		}
	}
	return md
}
