// Package secrets redacts credentials from captured error text before it is
// stored or shared with the central store.
//
// Error messages routinely embed connection strings, bearer tokens, and API
// keys. Captured text passes through a Scrubber so those values never reach
// a pattern signature or description. Findings report rule ids and offsets,
// never the matched value.
package secrets
