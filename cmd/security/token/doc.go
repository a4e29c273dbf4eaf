// Package token provides token hashing primitives for tether.
//
// Raw connection tokens never reach logs. Callers log a Fingerprint instead:
// a short, stable digest that lets operators correlate log lines for one
// token without being able to replay it.
//
// Environment:
//   - TETHER_TOKEN_HMAC_KEY: when set, fingerprints are HMAC-SHA256 keyed
//     digests; otherwise plain SHA-256.
package token
