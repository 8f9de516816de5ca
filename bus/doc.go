// Package bus provides the shared pub/sub channel that connects ingestion
// processes.
//
// # Available Implementations
//
//   - NATSBus: cross-process messaging over NATS core pub/sub
//   - MemoryBus: in-process implementation for tests and single-node runs
//
// Every subscriber receives every message published on its subject.
// Subscription channels are bounded; when a subscriber falls behind, new
// messages for that subscriber are dropped and counted rather than blocking
// the publisher or other subscribers.
//
//	sub, _ := b.Subscribe("heartrate.samples")
//	for msg := range sub.Messages() {
//	    // decode msg.Data
//	}
package bus
