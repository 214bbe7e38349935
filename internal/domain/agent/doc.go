// Package agent implements the session orchestrator: the logic unit that
// owns the remote browser session lifecycle, keeps the update stream
// subscription in lockstep with it, and dispatches user commands.
//
// The orchestrator is a single actor. Submissions, provider call
// completions, stream frames, and queries all arrive as messages on one
// inbox and are applied strictly in arrival order, so the synchronous
// command-response channel and the asynchronous push stream can never write
// the shared state concurrently. Conflicting reports about the same browser
// session resolve by arrival order.
//
// Failure policy: provider failures and stream errors are absorbed here and
// converted into log entries and status transitions; nothing escapes to the
// transports as an error beyond the admission result of Submit itself.
package agent
