// Package connection supervises the transport connection that carries
// shadow notifications.
//
// # Supervisor
//
// A Supervisor owns one connection for all paired devices. It dials
// through a Dialer, follows the Status stream the dialer returns, and
// keeps the connection State:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED <-> CONNECTION_LOST
//	any -> CLOSED
//
// Each time CONNECTED is reached the supervisor lists the paired devices,
// registers interest in every device shadow and issues an initial get so
// the reconciler has a baseline before any delta arrives. After a loss it
// does nothing until the dialer reports CONNECTED again, then subscribes
// afresh.
//
// Connect is idempotent while CONNECTING or CONNECTED. Status changes
// are applied on a dispatch.Queue, one at a time and in arrival order.
//
// # Reconnection Policy
//
// Reconnecting is the dialer's concern. Manager implements the policy
// used by the WebSocket transport: exponential backoff with jitter,
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Reset to the initial delay after a successful connection
//
// where each delay is extended by random(0, delay * 0.25).
//
// # Errors
//
// Dial, listing and subscription failures are reported as
// *TransportError (errors.Is(err, ErrTransport) holds). They end the
// current attempt only; the next CONNECTED starts over.
package connection
