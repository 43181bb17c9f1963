// Package transport carries device shadow traffic over WebSocket.
//
// Client implements shadow.Transport and connection.Dialer. Server is an
// in-memory shadow service used by the simulator and by tests.
//
// # Framing
//
// Every WebSocket text frame is one JSON Envelope:
//
//	{"action":"subscribe","topic":"<thing>"}
//	{"topic":"$aws/things/<thing>/shadow/update","clientToken":"...","payload":{...}}
//	{"topic":"$aws/things/<thing>/shadow/update/accepted","clientToken":"...","payload":{...}}
//
// Requests go to get, update and delete topics. The service answers the
// requester on the accepted or rejected topic with the same client token,
// and publishes update/delta and update/documents to every subscriber of
// the thing.
//
// # Client Tokens
//
// The client remembers the token of every outstanding request. An accepted
// response whose token is unknown, such as an update published by the
// device itself, is reported as StatusForeignUpdate, and a request
// that gets no response within RegisterOptions.Timeout is reported as
// StatusTimeout.
//
// # Keep-Alive
//
// Liveness is monitored with WebSocket ping/pong:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//
// A dead connection is closed and redialed by a connection.Manager with
// exponential backoff. Every state change is reported on the status
// stream returned by Connect.
package transport
