// Package storage is the durable reminder store.
//
// Drivers:
//   - memory: process-local map, for tests and dry runs
//   - file: memory plus a JSONL journal and periodic snapshot
//   - sqlite: single-file database (modernc.org/sqlite, no cgo)
//   - postgres: pgx pool, schema managed by golang-migrate
//
// Every driver implements UpdateIfPending as an atomic conditional write:
// the mutation is applied only while the row is still pending and still at
// the revision that was read.
package storage
