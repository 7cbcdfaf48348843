// Package awsapi adapts AWS services to the engine's collaborator interfaces.
//
// RecoveryClient implements engine.RecoveryAPI on Elastic Disaster Recovery
// and ComputeClient implements engine.ComputeAPI on EC2. Both obtain clients
// from a ClientFactory; AccountClients reaches linked accounts by assuming a
// fixed role name through STS and caches credentials per account.
//
// Every call passes through a per-account, per-region token bucket, is traced
// and counted, and has its error classified with Classify:
//
//	UninitializedAccountException   NOT_INITIALIZED (transient)
//	throttling codes                UPSTREAM_TRANSIENT (throttled)
//	access denied, validation, 4xx  UPSTREAM_FATAL (permanent)
//	everything else                 UPSTREAM_TRANSIENT
package awsapi
