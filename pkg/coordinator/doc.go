// Package coordinator is the reference scheduler that drives executions.
//
// The engine never waits: each call does one bounded step and returns. The
// Coordinator supplies the waiting. On every cron tick it lists the
// executions that are not terminal and, for each one that is not paused:
//
//  1. polls it;
//  2. fails a wave whose poll has errored MaxPollErrors times in a row;
//  3. finalizes it when every wave is COMPLETED;
//  4. fails it when a wave is FAILED;
//  5. otherwise, when no wave is in flight, pauses in front of a wave marked
//     pause-before, pauses when the wave does not fit the account's capacity,
//     or starts the wave.
//
// Waves run one at a time. An execution whose poll keeps returning transient
// errors is polled again only after an exponential backoff delay.
package coordinator
