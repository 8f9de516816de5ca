// Package shutdown stops a pulsekit node in order.
//
// A node holds viewer connections, in-flight pipeline work, a bus
// subscription and exporter buffers. Stopping them in the wrong order loses
// readings or alerts, so handlers register with a phase and the coordinator
// runs phases from lowest to highest. Handlers in the same phase run
// concurrently.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterWithPhase("feed", feedServer, shutdown.PhaseFeed)
//	coord.RegisterWithPhase("hub", h, shutdown.PhaseHub)
//	coord.RegisterWithPhase("bus", mb, shutdown.PhaseBackend)
//	coord.HandleSignals()
//	<-coord.Done()
//
// # Phases
//
//   - PhaseFeed (10): close viewer feeds and stop accepting HTTP requests
//   - PhaseHub (20): drain in-flight samples, stop the bridge, close consumers
//   - PhaseBackend (30): close the bus connection and flush telemetry
//
// A handler that panics is recorded as failed with a PANIC error; the
// remaining handlers still run unless ContinueOnError is false.
package shutdown
