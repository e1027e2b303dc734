package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "diaryai-auth"
	defaultAudience = "diaryai-api"
	defaultLeeway   = 30 * time.Second
)

// ErrInvalidToken covers expired, malformed, or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Config configures bearer-token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates HS256 bearer tokens and extracts the owner subject.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token verifier requires a secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// VerifySubject validates the token and returns its subject (the ownerId).
func (v *Verifier) VerifySubject(token string) (string, error) {
	parsed, err := jwt.Parse(
		token,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

// Issue signs a token for the subject, used by tests and local tooling.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
