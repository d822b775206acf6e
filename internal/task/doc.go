// Package task runs a unit of work on its own goroutine and hands its single
// terminal value back through a one-slot result channel.
//
// A Handle is the consumer half. The producer half never escapes Spawn: it is
// owned by the spawned goroutine, which deposits exactly one result (value,
// error, or recovered panic) and exits. The slot is buffered, so a task that
// finishes before anyone awaits it never blocks, and handles may be awaited
// in any order.
package task
