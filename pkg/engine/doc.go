// Package engine provides the execution lifecycle and wave orchestration core of
// the drwave disaster-recovery orchestrator.
//
// # Overview
//
// A recovery plan is split into ordered waves of source servers. The engine
// turns a plan into an Execution record and drives it through its lifecycle:
//
//  1. Create - validate the plan, claim its servers, persist the execution
//  2. CreateWave - start one wave's recovery job once its prerequisites completed
//  3. Poll - query in-flight jobs and enrich servers with instance metadata
//  4. Pause/Resume - hold the execution at a checkpoint guarded by a token
//  5. Finalize - mark the execution COMPLETED once every wave completed
//
// Cancel, Fail and FailWave end an execution or wave early.
//
// # Execution Lifecycle
//
// Execution statuses and their legal transitions:
//
//	CREATED  -> POLLING, CANCELLED
//	POLLING  -> PAUSED, COMPLETED, FAILED, CANCELLED
//	PAUSED   -> POLLING, FAILED, CANCELLED
//
// COMPLETED, FAILED and CANCELLED are terminal. Poll never changes the
// execution status; only Finalize moves an execution to COMPLETED, and only
// when called explicitly.
//
// # Wave Graph
//
// Waves are numbered from 0. A wave may declare DependsOn on other waves; the
// DAGBuilder rejects cycles, self-dependencies and undeclared waves, and
// computes the levels in which waves may run:
//
//	builder := engine.NewDAGBuilder()
//	graph, err := builder.BuildGraph(plan.Waves)
//	// graph.Levels[0] holds the waves with no prerequisites
//
// # Concurrency
//
// The engine holds no per-execution state in memory. Every operation loads the
// record, applies its transition and writes it back through
// ExecutionStore.SaveExecution with the version it read. A version conflict
// reloads and re-applies the transition, so racing engine instances converge:
// a duplicate CreateWave starts at most one job, and a duplicate Finalize
// notifies once.
//
// # Collaborators
//
// The engine is built from interfaces so the stores and cloud clients can be
// swapped:
//
//   - ExecutionStore: versioned execution records (SQLite, DynamoDB)
//   - RecoveryAPI: the recovery service that starts and describes jobs
//   - ComputeAPI: instance metadata for launched recovery instances
//   - ConflictDetector: exclusive server claims across active executions
//   - Notifier: best-effort status notifications
//
// # Error Handling
//
// Errors are returned as *EngineError with a class (transient, throttled,
// conflict, permanent) and a stable code such as INVALID_PLAN, CONFLICT or
// PRECONDITION_FAILED. Use IsCode, CodeOf and IsRetryable to inspect them.
package engine
