// Package session verifies the connection tokens presented by realtime clients.
//
// Tokens are PASETO v4.public. The server only needs the Ed25519 public key;
// the issuing side (an account service, or the smoke script in dev) holds the
// secret key. Each token binds a user, a session and a client connection id.
//
// Transport integration lives in the realtime package.
package session
