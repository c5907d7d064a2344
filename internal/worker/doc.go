// Package worker owns one external process and the pipes used to exchange
// 4-byte packets with it.
//
// A Worker is started from a Spec, exchanges packets on demand and is stopped
// exactly once. Exchanges are strictly sequential per worker: the request is
// written and flushed before the response is read, and a second Exchange call
// waits for the first to finish.
//
// Failure handling:
//   - Launch failure (missing binary, bad dir, permissions) → KindLaunch, no Worker
//   - Write failure (usually a broken pipe) → KindWrite, fatal
//   - End of stream before any response byte → KindStreamClosed, fatal
//   - End of stream after 1..3 bytes → KindShortRead, reported only
//   - Exchange timeout (when configured) → KindTimeout, fatal
//   - Leading response byte != 0 (when configured) → KindInvalidResponse, reported only
//   - Close/terminate/wait failure during Stop → KindStop
//
// A fatal failure moves the worker to Failed and releases its process the same
// way Stop does. The last good response is never overwritten by a failed
// exchange.
//
// Stop closes stdin and stdout first (closing is what unblocks a pending read),
// then sends SIGTERM, waits StopTimeout and escalates to SIGKILL.
package worker
