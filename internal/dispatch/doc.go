// Package dispatch runs slow network requests on a dedicated worker thread
// and hands results back to the caller without blocking it.
//
// A Worker owns one eventloop.Loop pinned to its own OS thread. Callers hand
// it Requests and later collect finished ones:
//
//	w, err := dispatch.Init()
//	...
//	_ = w.Dispatch(req)   // any goroutine, never blocks on I/O
//	n := w.Poll()         // caller's goroutine, runs OnComplete for finished requests
//	w.Shutdown()
//
// Request lifecycle:
//   - Dispatch appends the request to the inbound queue and rings the worker's
//     wake signal. Signals coalesce, so a burst of dispatches costs one wake.
//   - On wake the loop drains the whole inbound queue and calls Execute on each
//     request in append order.
//   - Execute starts asynchronous work on the loop (sockets, timers) and
//     returns. When the work ends the request calls Host.Complete exactly once,
//     which moves it to the outbound queue.
//   - Poll drains the whole outbound queue and calls OnComplete on each request
//     in completion order, on the goroutine that called Poll.
//
// Ownership moves with the queues: a request is touched by the worker between
// Execute and Complete and by the caller after Poll returns it, never by both.
//
// Shutdown:
//   - Shutdown rejects further dispatches, enqueues a kill request whose
//     Execute stops the loop, and joins the worker thread.
//   - Requests still executing are discarded and their sockets closed. The
//     count is logged. Completed but unpolled requests stay pollable.
//   - Shutdown is idempotent.
//
// Failure isolation:
//   - A panic in Execute is recovered and logged; the request is dropped and
//     the loop keeps serving others.
//   - A panic in OnComplete is recovered and logged; the rest of the batch is
//     still delivered.
package dispatch
