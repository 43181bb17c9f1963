// Package idp is an in-memory identity provider for the passwordless
// custom authentication flow.
//
// # Flow
//
//  1. BeginCustomAuth issues a round with no parameters. The session
//     answers it with the username.
//  2. The provider generates a one-time code, hands it to the CodeSink
//     and issues a round carrying the masked delivery address (email).
//  3. The session answers with ANSWER. A matching code completes the
//     flow with signed ID and access tokens; a wrong code re-issues the
//     round until MaxAttempts is reached.
//
// Errors carry the taxonomy names an identity service reports, such as
// UserNotFoundException and NotAuthorizedException, so that
// customauth.Display can show them.
//
// Passwords given to SignUp are stored as bcrypt hashes. Tokens are
// HS256 JWTs that VerifyToken and Authenticate check.
//
// # Remote Use
//
// Mount exposes the provider as a small JSON API on a gorilla/mux
// router. Client implements customauth.Provider against that API, so a
// session can authenticate against a pool running in another process.
package idp
