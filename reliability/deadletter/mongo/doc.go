// Package mongo stores dead-letter records in a MongoDB collection.
package mongo
