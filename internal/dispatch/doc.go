// Package dispatch delivers outbox rows to their webhook targets.
//
// A Dispatcher wakes on a fixed interval, claims a batch of due rows, signs
// each payload and POSTs it. A 2xx response marks the row delivered. Any
// other outcome increments the attempt count and either schedules a retry
// with capped exponential backoff plus jitter, or moves the row to the
// dead-letter table once MaxAttempts is reached.
//
// Rows left in delivering by a crashed process are returned to pending by
// the staleness reaper once their lease expires.
package dispatch
