// Package governance provides cooperative request-path controls for the
// orchestration core: per-component token-bucket throttling and the
// backoff/retry policy used by health probing.
package governance
