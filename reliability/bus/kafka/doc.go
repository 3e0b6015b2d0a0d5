// Package kafka implements bus.Publisher on a Kafka-compatible broker with
// franz-go. Subjects map to topics and headers map to record headers.
package kafka
