// Package dispatch provides the serial queue that components use to apply
// asynchronous callbacks one at a time.
//
// Callbacks from the transport (connection status, shadow notifications)
// and from the identity provider arrive on arbitrary goroutines. Posting
// them to a Queue guarantees that no two callbacks for the owning
// component run concurrently and that they run in arrival order.
//
// Post never blocks: the queue is unbounded, so a callback may post
// further work to its own queue.
package dispatch
