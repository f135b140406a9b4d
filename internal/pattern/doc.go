// Package pattern defines the records shared by the local store, the
// central store, and the sync engine.
//
// An ErrorPattern is the generalized form of an error signature. Patterns
// accrue Solutions, and each Solution carries an effectiveness rating (1-5)
// averaged over the times it was applied. Local stores capture patterns and
// solutions without network access; the sync engine later merges them into
// the central store.
//
// # Identity
//
// A pattern's ID is a pure function of its generalized text and language, so
// capturing the same error twice increments one record instead of creating
// two:
//
//	p1, _ := store.Capture(ctx, &pattern.CaptureRequest{
//	    Signature: "File not found: /tmp/abc123.txt",
//	    Language:  "python",
//	    Severity:  pattern.SeverityMedium,
//	})
//	p2, _ := store.Capture(ctx, &pattern.CaptureRequest{
//	    Signature: "File not found: /tmp/xyz789.txt",
//	    Language:  "python",
//	    Severity:  pattern.SeverityMedium,
//	})
//	// p1.ID == p2.ID, p2.OccurrenceCount == 2
//
// # Errors
//
// Failures wrap one of the sentinel errors (ErrNotFound, ErrValidation,
// ErrStoreUnavailable, ErrSyncTransient, ErrSyncConflict); match them with
// errors.Is.
package pattern
