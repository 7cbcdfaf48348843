// Package claims implements the conflict detector that keeps two executions
// from recovering the same server.
//
// A claim is an exclusive hold on a source server id by one execution. The
// Detector takes all of an execution's servers atomically or none of them,
// releases them when the execution reaches a terminal status, and offers a
// Sweep that reclaims servers from executions that ended without releasing.
//
// Claims live in a Store. MemoryStore serves a single process; the SQLite and
// DynamoDB record stores in package stores serve shared deployments.
package claims
