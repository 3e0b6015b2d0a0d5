// Package errclass classifies errors into the retry taxonomy used by the
// reliability core.
//
// Classify inspects wrapped errors from the document store, the key-value
// store, the relational store, the message bus and the network stack, and
// maps them to a Kind. Only Transient and RateLimited errors are retried.
package errclass
