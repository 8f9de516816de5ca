// Package errors provides the structured error taxonomy used across the
// heart-rate ingestion core.
//
// # Error Categories
//
//   - Transient: temporary failures where retry may succeed (collaborator outage, timeout)
//   - Permanent: retry will not help (invalid input, malformed wire payload)
//   - Internal: bugs and recovered panics
//
// # Usage
//
// Wrap a collaborator failure at a handler boundary:
//
//	if err := dir.RecordLastHeartRateReceivedAt(ctx, id, at); err != nil {
//	    return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "record last heart rate",
//	        errors.WithUserID(id))
//	}
//
// Decide whether to back off:
//
//	if errors.IsRetryable(err) { ... }
package errors
