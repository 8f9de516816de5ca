// Package heartrate defines the data model of the ingestion core and the
// narrow interfaces through which it consumes external collaborators: the
// subscription graph, the user directory, and the heart-rate history store.
//
// The Memory* types are concurrent-safe in-process implementations of those
// collaborators. They back tests and the example node; production deployments
// plug in their own persistence.
package heartrate
