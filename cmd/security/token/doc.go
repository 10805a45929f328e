// Package token verifies the bearer tokens presented by marketplace clients.
//
// Tokens are HS256 JWTs issued by the marketplace identity service. The chat
// core never issues tokens in production; Issuer exists for dev tooling and
// tests.
//
// Claims:
//   - sub: user or seller id
//   - ptype: "user" | "seller"
//   - iss, iat, exp: standard registered claims
//
// Environment:
//   - MARKETCHAT_JWT_SECRET: shared HMAC secret (>= 32 bytes)
//   - MARKETCHAT_JWT_ISSUER: expected issuer (optional)
package token
