// Package store persists jobs, agents, published checksums and the event
// ledger using SQLite.
//
// # Architecture
//
// [Store] is the interface the dispatch coordinator and the HTTP API use.
// [SQLiteStore] implements it on modernc.org/sqlite (pure Go, no CGO);
// [MockStore] implements it in memory for tests.
//
// # Jobs
//
// A job row moves Scheduled -> Assigned -> Building -> Completing ->
// Completed. The move out of Scheduled is a conditional update
// ([Store.ClaimJob]) that fails with [ErrAlreadyClaimed] if the row is no
// longer claimable, which is how a lost dispatch race is detected.
//
// # Encoding
//
// Plans and build causes are stored as JSON text. Timestamps are stored as
// RFC3339Nano text in UTC.
package store
