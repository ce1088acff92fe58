// Package auth issues and verifies the two credential kinds of the control
// plane: per-robot API keys for the robot channel, and short-lived admin
// JWTs for operator endpoints.
package auth

import "errors"

// ErrTokenExpired is returned when a JWT's expiry has passed. Distinct from
// ErrTokenInvalid so clients can silently refresh instead of re-prompting.
var ErrTokenExpired = errors.New("token expired")

// ErrTokenInvalid is returned for malformed, tampered, or wrongly signed
// tokens.
var ErrTokenInvalid = errors.New("token invalid")

// ErrKeyInvalid is returned when a presented API key secret does not verify:
// unknown key id, malformed secret, or hash mismatch.
var ErrKeyInvalid = errors.New("api key invalid")

// ErrKeyRevoked is returned when the key exists but has been revoked.
var ErrKeyRevoked = errors.New("api key revoked")

// ErrKeyExpired is returned when the key exists but its expiry has passed.
var ErrKeyExpired = errors.New("api key expired")

// ErrKeyRobotMismatch is returned when a valid key is presented for a
// different robot_id than it was minted for.
var ErrKeyRobotMismatch = errors.New("api key does not belong to this robot")
