// Package postgres stores outbox records in PostgreSQL through pgx.
//
// Conditional updates are single UPDATE statements filtered on id, status
// and retry_count; the rows-affected count tells the relay whether its
// claim won. Insert can run inside the caller's transaction so the record
// commits together with the state change it describes.
package postgres
