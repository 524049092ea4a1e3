// ABOUTME: Package documentation for auth
// ABOUTME: Describes the token scheme used by relay connections

// Package auth verifies agent identity on incoming relay connections.
//
// Agents authenticate with HS256-signed JWTs whose "sub" claim names the
// agent. The relay verifies the token as the first message of every
// connection; nothing else is processed until verification succeeds.
package auth
