// Package rabbitmq provides the AMQP transport for the mmate messaging layer.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and recovers it after the broker drops it
//   - ChannelPool: bounded pool of channels guarded by a semaphore
//   - TopologyManager: declares exchanges, queues, bindings and the dead-letter path
//   - Publisher: single and batched publishing with retries and optional confirms
//   - Subscriber: consumer slots with prefetch, ack mapping, resubscription and graceful stop
//
// All components share one ChannelPool, which is created from the
// ConnectionManager and injected into the others.
package rabbitmq
