// Package postgres owns a pgx connection pool for the relational outbox
// store: connect with a bounded timeout, ping, and close.
package postgres
