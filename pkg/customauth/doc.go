// Package customauth drives a multi-round custom authentication handshake.
//
// # Overview
//
// A Session walks one user through an N-round challenge/response flow
// against an external identity provider. Each round the provider hands
// the session a set of challenge parameters. Rounds with parameters are
// delivered to the answering party through a challenge.Channel; rounds
// without parameters are answered by the session itself by echoing the
// username. The handshake ends when the provider reports completion or a
// fatal error.
//
// # State Machine
//
//	IDLE -> AWAITING_CHALLENGE_DELIVERY -> AWAITING_ANSWER -> SUBMITTING
//	                ^                                            |
//	                +--------------------------------------------+
//	SUBMITTING -> COMPLETED | FAILED
//
// COMPLETED and FAILED are terminal. A Session is single-use: Start on a
// session that has left IDLE fails with ErrProtocolViolation.
//
// # Provider Integration
//
// The Provider interface is the consumed side: SignUp for best-effort
// pre-provisioning, BeginCustomAuth to open the flow, and
// SubmitChallengeAnswer for each round. The provider reports back through
// the Handler interface, which Session implements:
//
//	OnChallengeReceived  - a new round begins
//	OnStepError          - the provider rejected the flow
//	OnCompleted          - authentication succeeded
//
// Round k+1 is never accepted before the response to round k has been
// recorded. Submissions run on a dispatch.Queue so a provider may call
// back into the session from inside SubmitChallengeAnswer.
//
// # Errors
//
// Usage errors (ErrInvalidInput, ErrProtocolViolation) are returned
// synchronously. Provider failures arrive as *AuthError and move the
// session to FAILED. Display maps any terminal error to the title/message
// pair shown to the user; a cancelled session displays nothing.
package customauth
