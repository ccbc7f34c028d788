// Package postgres provides the PostgreSQL outbox store on pgx.
//
// Producers call Append inside WithinTransaction; the transaction travels in
// the context, so business writes issued through Executor(ctx) commit or roll
// back together with the appended records. The relay side reads with a plain
// ascending scan over the partial index on unrelayed rows.
//
// See Schema for the table definition.
package postgres
