// Package app is the reconciliation actor of the messenger core.
//
// One goroutine owns AppState. Hosts submit actions with Dispatch, read
// snapshots with State and follow changes through ListenForUpdates; network
// work runs in coordinator goroutines that report back as internal events on
// the same queue. Every emitted update carries the next state revision, so a
// listener can detect gaps by comparing revisions.
package app
