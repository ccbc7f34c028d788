// Package mysql provides the MySQL 8.0+ outbox store.
//
// Records are appended inside the producer's transaction, either through
// WithinTransaction (the transaction travels in the context) or with an
// explicit executor via AppendTx. The relay scans unrelayed rows in event_id
// order over the (relayed, event_id) index and flips the relayed flag with a
// conditional update, so concurrent marks are harmless.
//
// See Schema for the table definition, CleanupMaintainer for periodic removal
// of relayed rows, and TryLock for the relay lease built on GET_LOCK.
package mysql
