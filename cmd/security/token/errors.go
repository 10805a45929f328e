package token

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("jwt secret missing")
	ErrSecretTooShort = errors.New("jwt secret too short")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingToken   = errors.New("missing bearer token")
)
