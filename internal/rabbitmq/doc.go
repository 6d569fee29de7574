// Package rabbitmq wraps amqp091-go with the pieces the zula transport needs.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects with backoff
//   - ChannelPool: reuses channels for publishing and topology operations
//   - Publisher: publishes a single message, optionally waiting for a confirm
//   - Consumer: runs one delivery loop per subscription on its own channel
//   - TopologyManager: declares exchanges, queues and bindings
package rabbitmq
