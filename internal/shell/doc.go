// Package shell provides relay sessions: one spawned interactive process
// with its byte streams, lifecycle state, scrollback and optional recording.
//
// A [Session] is backed by a [Process] obtained from a [Spawner]. The local
// spawner in this package starts commands with os/exec, either over plain
// pipes (stdout and stderr merged into one ordered stream) or on a PTY via
// github.com/creack/pty. Container and SSH spawners live in their own
// packages and return the same [Process] interface.
//
// # Session Lifecycle
//
//  1. [NewSession] wraps a running process → state=[StateStarting], then
//     [StateActive] once the output pump and exit waiter are running.
//
//  2. A transport adapter calls [Session.Attach] to subscribe to output.
//     Only one attachment may exist at a time; a second attach fails with
//     [relayerr.ErrBusy]. Detaching keeps the process alive and output keeps
//     flowing into the [ScrollbackBuffer].
//
//  3. [Session.Close], a stdin write failure, or the process exiting moves
//     the session to [StateClosing]. The process is sent SIGTERM, killed
//     after the configured grace period, and its streams are released.
//
//  4. Once the process has exited and the output pump has drained, the
//     session is [StateClosed] and [Session.Done] is closed.
//
// # Ordering and Backpressure
//
// The attachment channel is unbuffered. The output pump does not read the
// next chunk from the process until the previous one has been handed to the
// attached consumer, so a slow client slows the process rather than growing
// a queue inside the relay. Writes to stdin block under pipe pressure.
//
// # Log Prefixes
//
// Session operations log at the [shell] prefix.
package shell
