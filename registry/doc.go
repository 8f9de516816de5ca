// Package registry is the per-process table of live heart-rate stream
// consumers.
//
// # Overview
//
// A viewer that opens a live feed becomes a Consumer registered under its own
// user id. Deliver pushes a reading to the owner's consumers (IsOwn) and to
// the consumers of every subscriber of that owner (tagged with the
// subscription id).
//
// # Concurrency
//
// The table is a sync.Map of per-user buckets. Each bucket publishes an
// immutable slice of consumers through an atomic pointer; Subscribe and
// Unsubscribe copy the slice under the bucket mutex, so Deliver never locks
// and iterates a snapshot that tolerates concurrent removal. Removing the
// last consumer retires the bucket and deletes the key; a writer that finds
// a retired bucket retries against a fresh one.
//
// A push never blocks: a full consumer buffer drops that single update,
// and a failing consumer never affects its siblings or the caller.
//
//	c, _ := reg.Subscribe("user-1")
//	defer c.Close()
//	for info := range c.Updates() {
//	    // render info
//	}
package registry
