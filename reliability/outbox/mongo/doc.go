// Package mongo stores outbox records in a MongoDB collection. Every state
// transition is a single UpdateOne filtered on _id, status and retryCount,
// so a transition applies at most once across replicas.
package mongo
