// Package challenge implements the single-slot handoff between a custom
// authentication session and whoever answers its challenges.
//
// # Overview
//
// A custom-authentication round produces a set of challenge parameters
// (for example the address a one-time code was sent to). The session
// hands those parameters to a Channel, and the answering party (an
// interactive prompt, a test, an automated responder) picks them up and
// supplies exactly one Response.
//
// # Slot Lifecycle
//
//  1. Deliver stores the challenge and notifies the OnDeliver callback
//  2. The session blocks in Wait until the slot is resolved
//  3. Answer resolves the slot with a response (exactly once)
//  4. Cancel resolves the slot with ErrUserCancelled instead
//
// A new challenge can only be delivered once the previous one has been
// resolved. A second Answer, or an Answer after Cancel, fails with
// ErrProtocolViolation.
//
// # Well-known Keys
//
// Parameters and responses are plain string maps. The keys used by the
// custom authentication flow are exported as constants (KeyUsername,
// KeyAnswer, KeyEmail); providers are free to add their own.
package challenge
