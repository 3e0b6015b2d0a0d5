// Package rabbitmq implements bus.Publisher and bus.Subscriber on a RabbitMQ
// topic exchange. Publishes wait for broker confirms. Each (subject, group)
// pair gets a durable queue wired to a dead-letter exchange, consumed with
// manual acknowledgment.
package rabbitmq
