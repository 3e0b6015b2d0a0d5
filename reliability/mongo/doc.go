// Package mongo manages the MongoDB connection shared by the document-store
// adapters: connect with ping, database and collection handles, idempotent
// index creation and close.
package mongo
