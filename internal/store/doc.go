// Package store is the relational state engine behind parley: users,
// conversations, messages, friendships and per-user storage quotas over a
// single SQLite database.
//
// # Concurrency
//
// Any number of request handlers may call into one Store concurrently; the
// engine holds no in-process lock across a logical operation. Consistency
// comes from transaction discipline: the connection is opened with
// _txlock=immediate, so every transaction takes its write lock before its
// first read, closing the window between a check and the act it guards
// (conversation dedup, friendship pair insert, quota reservation, favorite
// toggle, first-time profile creation). Read-only listings run outside
// transactions.
//
// Schema initialization is guarded by EnsureReady: an atomic fast path plus
// a mutex with a re-check, so concurrent first-callers run DDL exactly once.
//
// # Data normalization
//
// Friendships are stored under the canonical unordered pair
// (min(a,b), max(a,b)); the UNIQUE constraint on that pair is the sole
// race-resolution mechanism for symmetric requests, and initiated_by keeps
// the direction as a non-key attribute.
//
// # Errors
//
// Business-rule failures are sentinel errors a caller can present to users:
//
//   - ErrNotFound: entity id does not resolve
//   - ErrUnauthorized: actor lacks role or ownership
//   - ErrConflict: state-machine precondition violated
//   - ErrQuotaExceeded: reservation would overflow the quota
//
// Store-level faults propagate as plain errors and abort the transaction;
// every multi-statement operation is all-or-nothing.
package store
