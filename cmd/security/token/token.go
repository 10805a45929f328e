package token

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketchat/cmd/internal/chat"
)

const (
	// SecretEnvKey is the env var name for the JWT HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "MARKETCHAT_JWT_SECRET"

	// MinSecretBytes is the minimum HS256 secret size accepted at startup.
	MinSecretBytes = 32

	participantTypeClaim = "ptype"
)

// Identity is what the chat core learns from a verified token.
type Identity struct {
	UserID    string
	Kind      chat.Kind
	ExpiresAt time.Time
}

// Ref returns the identity as a participant reference.
func (i Identity) Ref() chat.ParticipantRef {
	return chat.ParticipantRef{Kind: i.Kind, ID: i.UserID}
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(raw string, now time.Time) (Identity, error)
}

type claims struct {
	ParticipantType string `json:"ptype"`
	jwt.RegisteredClaims
}

// HMACVerifier verifies HS256 tokens with a shared secret.
type HMACVerifier struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewHMACVerifier constructs a verifier. issuer may be empty to accept any issuer.
func NewHMACVerifier(secret []byte, issuer string, clockSkew time.Duration) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	if len(secret) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	if clockSkew < 0 {
		clockSkew = 0
	}
	return &HMACVerifier{secret: secret, issuer: strings.TrimSpace(issuer), clockSkew: clockSkew}, nil
}

// Verify validates signature, algorithm, expiry and issuer, then extracts the identity.
func (v *HMACVerifier) Verify(raw string, now time.Time) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := c.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	kind, err := chat.ParseKind(c.ParticipantType)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s claim", ErrInvalidToken, participantTypeClaim)
	}

	var exp time.Time
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	return Identity{UserID: sub, Kind: kind, ExpiresAt: exp}, nil
}

// Issuer mints HS256 tokens. It is used by tests and the smoke tool.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer constructs an Issuer.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue signs a token for subject valid from now. participantType is "user" or "seller".
func (i *Issuer) Issue(subject, participantType string, now time.Time) (string, error) {
	c := claims{
		ParticipantType: participantType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
}

// SecretFromEnv returns the configured secret bytes (trimmed), enforcing a minimum byte length.
func SecretFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// FromRequest extracts a bearer token from the Authorization header, falling
// back to the "token" query parameter for browser WebSocket clients.
func FromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
