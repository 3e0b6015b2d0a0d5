// Package runtime contains panic recovery helpers for background goroutines.
//
// Every periodic loop in the reliability core (relays, health checker,
// pool maintenance) recovers panics per tick through RecoverAndLog so a
// single bad record cannot stop the loop.
package runtime
