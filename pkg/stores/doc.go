// Package stores persists executions, server claims, region records and the
// invocation audit log.
//
// Two implementations satisfy Store:
//
//   - SQLiteStore keeps everything in a local SQLite database (WAL mode,
//     embedded golang-migrate migrations). Executions are stored as a JSON
//     document next to an integer version column.
//   - DynamoStore keeps the same records in DynamoDB tables, using conditional
//     writes for optimistic versioning and a single transaction per claim.
//
// Both stores reject a stale SaveExecution with an error wrapping
// engine.ErrVersionConflict and report a missing execution with
// engine.ErrNotFound.
package stores
