// Package auth verifies bearer tokens issued by the user-facing application.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/acme/checkin-call-engine/internal/config"
	apperrors "github.com/acme/checkin-call-engine/pkg/errors"
)

// LocalUserID is the fiber Locals key holding the authenticated user id.
const LocalUserID = "auth.user_id"

// Verifier validates HS256 tokens whose subject is the user id.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier builds a verifier. A missing secret is a configuration error.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: auth.jwt_secret is required", apperrors.ErrValidation)
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Verifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// Verify parses the token and returns the user id in its subject.
func (v *Verifier) Verify(token string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", apperrors.ErrUnauthorized)
	}
	return userID, nil
}

// Issue signs a token for userID. Used by local tooling and tests.
func (v *Verifier) Issue(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's user id under LocalUserID.
func (v *Verifier) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return fmt.Errorf("%w: missing bearer token", apperrors.ErrUnauthorized)
		}
		userID, err := v.Verify(strings.TrimSpace(token))
		if err != nil {
			return err
		}
		c.Locals(LocalUserID, userID)
		return c.Next()
	}
}

// UserID returns the authenticated user id stored by Middleware.
func UserID(c *fiber.Ctx) (uuid.UUID, error) {
	id, ok := c.Locals(LocalUserID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, errors.New("auth: no authenticated user")
	}
	return id, nil
}
