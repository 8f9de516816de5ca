// Package records stores the short-lived bookkeeping the detectors use to
// debounce notifications: per-user suppression windows for abnormal readings
// and per-pair match notification history.
//
// Both stores come in two flavours. The Memory* types serve tests and
// single-process deployments. The NATS* types keep the records in a
// JetStream KV bucket so every instance sharing the bus sees the same
// windows.
//
// # Usage
//
//	bus, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	suppress, _ := records.NewNATSSuppressionStore(records.NATSConfig{
//	    Conn:   bus.Conn(),
//	    Bucket: "pulsekit-suppression",
//	})
//
//	claimed, err := suppress.Claim(ctx, userID, now.Add(10*time.Minute), now)
//	if err == nil && claimed {
//	    // first abnormal reading in this window
//	}
package records
