package awsapi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/drs/types"
	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// Tags added to every recovery job.
const (
	TagExecutionID = "drwave:execution-id"
	TagWaveNumber  = "drwave:wave"
)

// Job log events that mean a job did not finish cleanly.
var failureEvents = map[string]bool{
	"JOB_CANCEL":                     true,
	"LAUNCH_FAILED":                  true,
	"CONVERSION_FAIL":                true,
	"SNAPSHOT_FAIL":                  true,
	"USING_PREVIOUS_SNAPSHOT_FAILED": true,
}

// replicatingStates are data replication states that count against the
// account's replicating server ceiling.
var replicatingStates = map[string]bool{
	"INITIATING":        true,
	"INITIAL_SYNC":      true,
	"BACKLOG":           true,
	"CREATING_SNAPSHOT": true,
	"CONTINUOUS":        true,
	"RESCAN":            true,
	"STALLED":           true,
}

// RecoveryClient implements engine.RecoveryAPI on Elastic Disaster Recovery.
type RecoveryClient struct {
	clients ClientFactory
	region  string
	in      instrument
	logger  zerolog.Logger
}

var _ engine.RecoveryAPI = (*RecoveryClient)(nil)

// NewRecoveryClient creates a recovery API adapter. defaultRegion is used for
// calls that do not name a region.
func NewRecoveryClient(clients ClientFactory, limiter *Limiter, defaultRegion string, logger zerolog.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *RecoveryClient {
	return &RecoveryClient{
		clients: clients,
		region:  defaultRegion,
		in:      instrument{api: APIRecovery, limiter: limiter, metrics: metrics, tracer: tracer},
		logger:  logger.With().Str("component", "recovery_client").Logger(),
	}
}

func (c *RecoveryClient) regionOr(region string) string {
	if region == "" {
		return c.region
	}
	return region
}

// StartJob starts a recovery (or drill) job for serverIDs.
func (c *RecoveryClient) StartJob(ctx context.Context, serverIDs []string, opts engine.JobOptions) (string, error) {
	region := c.regionOr(opts.Region)
	client, err := c.clients.Recovery(ctx, opts.AccountID, region)
	if err != nil {
		return "", Classify(APIRecovery, "StartRecovery", err)
	}

	servers := make([]types.StartRecoveryRequestSourceServer, 0, len(serverIDs))
	for _, id := range serverIDs {
		servers = append(servers, types.StartRecoveryRequestSourceServer{SourceServerID: aws.String(id)})
	}

	tags := make(map[string]string, len(opts.Tags)+2)
	for k, v := range opts.Tags {
		tags[k] = v
	}
	if opts.ExecutionID != "" {
		tags[TagExecutionID] = opts.ExecutionID
	}
	tags[TagWaveNumber] = strconv.Itoa(opts.WaveNumber)

	var jobID string
	err = c.in.call(ctx, opts.AccountID, region, "StartRecovery", func(ctx context.Context) error {
		out, err := client.StartRecovery(ctx, &drs.StartRecoveryInput{
			SourceServers: servers,
			IsDrill:       aws.Bool(opts.Drill),
			Tags:          tags,
		})
		if err != nil {
			return err
		}
		if out.Job == nil || aws.ToString(out.Job.JobID) == "" {
			return engine.NewPermanentError("start recovery returned no job", nil).
				WithCode(engine.ErrCodeUpstreamFatal)
		}
		jobID = aws.ToString(out.Job.JobID)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info().
		Str("execution_id", opts.ExecutionID).
		Int("wave", opts.WaveNumber).
		Str("job_id", jobID).
		Bool("drill", opts.Drill).
		Int("servers", len(serverIDs)).
		Msg("recovery job started")
	return jobID, nil
}

// DescribeJob returns the job and its participating servers. A job that is
// not visible yet is reported as NOT_INITIALIZED. A finished job whose log
// shows a cancellation or failure is reported as FAILED.
func (c *RecoveryClient) DescribeJob(ctx context.Context, accountID, region, jobID string) (*engine.RecoveryJob, error) {
	region = c.regionOr(region)
	client, err := c.clients.Recovery(ctx, accountID, region)
	if err != nil {
		return nil, Classify(APIRecovery, "DescribeJobs", err)
	}

	var job *types.Job
	err = c.in.call(ctx, accountID, region, "DescribeJobs", func(ctx context.Context) error {
		out, err := client.DescribeJobs(ctx, &drs.DescribeJobsInput{
			Filters: &types.DescribeJobsRequestFilters{JobIDs: []string{jobID}},
		})
		if err != nil {
			return err
		}
		for i := range out.Items {
			if aws.ToString(out.Items[i].JobID) == jobID {
				job = &out.Items[i]
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, engine.NewTransientError(fmt.Sprintf("recovery job %s not visible yet", jobID), nil).
			WithCode(engine.ErrCodeNotInitialized).
			WithOperation("DescribeJobs")
	}

	result := &engine.RecoveryJob{
		JobID:   jobID,
		Status:  mapJobStatus(job.Status),
		Servers: make([]engine.ParticipatingServer, 0, len(job.ParticipatingServers)),
	}
	launched := true
	for _, s := range job.ParticipatingServers {
		ps := engine.ParticipatingServer{
			SourceServerID: aws.ToString(s.SourceServerID),
			LaunchStatus:   engine.LaunchStatus(s.LaunchStatus),
			InstanceID:     aws.ToString(s.RecoveryInstanceID),
		}
		if !ps.LaunchStatus.IsSuccess() {
			launched = false
		}
		result.Servers = append(result.Servers, ps)
	}

	if result.Status == engine.JobStatusCompleted && !launched {
		reason, err := c.failureReason(ctx, client, accountID, region, jobID)
		if err != nil {
			// The poller still marks the wave from launch statuses.
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("job log lookup failed")
		} else if reason != "" {
			result.Status = engine.JobStatusFailed
			result.FailureReason = reason
		}
	}
	return result, nil
}

// FindJob returns the most recently created job tagged for the lookup's
// execution and wave, or "" when there is none.
func (c *RecoveryClient) FindJob(ctx context.Context, lookup engine.JobLookup) (string, error) {
	region := c.regionOr(lookup.Region)
	client, err := c.clients.Recovery(ctx, lookup.AccountID, region)
	if err != nil {
		return "", Classify(APIRecovery, "DescribeJobs", err)
	}

	input := &drs.DescribeJobsInput{}
	if !lookup.Since.IsZero() {
		input.Filters = &types.DescribeJobsRequestFilters{
			FromDate: aws.String(lookup.Since.UTC().Format(time.RFC3339)),
		}
	}
	wave := strconv.Itoa(lookup.WaveNumber)

	var found, foundAt string
	for {
		var out *drs.DescribeJobsOutput
		err := c.in.call(ctx, lookup.AccountID, region, "DescribeJobs", func(ctx context.Context) error {
			var err error
			out, err = client.DescribeJobs(ctx, input)
			return err
		})
		if err != nil {
			return "", err
		}
		for _, job := range out.Items {
			if job.Tags[TagExecutionID] != lookup.ExecutionID || job.Tags[TagWaveNumber] != wave {
				continue
			}
			created := aws.ToString(job.CreationDateTime)
			if found == "" || created > foundAt {
				found, foundAt = aws.ToString(job.JobID), created
			}
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	return found, nil
}

// failureReason summarizes failure events from the job log, or "" when the
// log has none.
func (c *RecoveryClient) failureReason(ctx context.Context, client DRSAPI, accountID, region, jobID string) (string, error) {
	var events []string
	var token *string
	for {
		var out *drs.DescribeJobLogItemsOutput
		err := c.in.call(ctx, accountID, region, "DescribeJobLogItems", func(ctx context.Context) error {
			var err error
			out, err = client.DescribeJobLogItems(ctx, &drs.DescribeJobLogItemsInput{
				JobID:     aws.String(jobID),
				NextToken: token,
			})
			return err
		})
		if err != nil {
			return "", err
		}
		for _, item := range out.Items {
			event := string(item.Event)
			if !failureEvents[event] {
				continue
			}
			if item.EventData != nil && item.EventData.SourceServerID != nil {
				event = fmt.Sprintf("%s (%s)", event, aws.ToString(item.EventData.SourceServerID))
			}
			events = append(events, event)
		}
		token = out.NextToken
		if aws.ToString(token) == "" {
			break
		}
	}
	if len(events) == 0 {
		return "", nil
	}
	return fmt.Sprintf("recovery job %s: %s", jobID, strings.Join(events, ", ")), nil
}

// DescribeResources lists source servers in one account and region.
func (c *RecoveryClient) DescribeResources(ctx context.Context, filter engine.ResourceFilter) ([]engine.SourceResource, error) {
	region := c.regionOr(filter.Region)
	client, err := c.clients.Recovery(ctx, filter.AccountID, region)
	if err != nil {
		return nil, Classify(APIRecovery, "DescribeSourceServers", err)
	}

	input := &drs.DescribeSourceServersInput{}
	if len(filter.ServerIDs) > 0 {
		input.Filters = &types.DescribeSourceServersRequestFilters{SourceServerIDs: filter.ServerIDs}
	}

	resources := make([]engine.SourceResource, 0)
	for {
		var out *drs.DescribeSourceServersOutput
		err := c.in.call(ctx, filter.AccountID, region, "DescribeSourceServers", func(ctx context.Context) error {
			var err error
			out, err = client.DescribeSourceServers(ctx, input)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, s := range out.Items {
			resources = append(resources, toSourceResource(s))
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	sort.Slice(resources, func(i, j int) bool { return resources[i].SourceServerID < resources[j].SourceServerID })
	return resources, nil
}

func toSourceResource(s types.SourceServer) engine.SourceResource {
	res := engine.SourceResource{SourceServerID: aws.ToString(s.SourceServerID)}
	if s.SourceProperties != nil && s.SourceProperties.IdentificationHints != nil {
		res.Hostname = aws.ToString(s.SourceProperties.IdentificationHints.Hostname)
	}
	if s.DataReplicationInfo != nil {
		state := s.DataReplicationInfo.DataReplicationState
		res.ReplicationState = string(state)
		res.Replicating = replicatingStates[string(state)]
	}
	return res
}

func mapJobStatus(s types.JobStatus) engine.JobStatus {
	switch string(s) {
	case "PENDING":
		return engine.JobStatusPending
	case "STARTED":
		return engine.JobStatusStarted
	case "COMPLETED":
		return engine.JobStatusCompleted
	default:
		return engine.JobStatus(s)
	}
}
