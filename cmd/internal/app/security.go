package app

import (
	"errors"

	"marketchat/cmd/security/token"
)

// NewVerifier enforces the token policy at startup. Running without a signing
// secret would accept no one, so a missing or short secret fails fast.
func NewVerifier(cfg Config) (*token.HMACVerifier, error) {
	secret, err := token.SecretFromEnv(token.MinSecretBytes)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return nil, errors.New("security policy: " + token.SecretEnvKey + " is missing")
		case errors.Is(err, token.ErrSecretTooShort):
			return nil, errors.New("security policy: " + token.SecretEnvKey + " is too short (min 32 bytes)")
		default:
			return nil, err
		}
	}
	return token.NewHMACVerifier(secret, cfg.JWTIssuer, cfg.JWTClockSkew)
}
