package usertoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// ErrRevoked reports a token issued before its owner's revocation cutoff.
var ErrRevoked = errors.New("token revoked")

// Config configures access-token verification. Issuer and Audience are
// checked only when set.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Revocations is optional; when set, tokens issued before the owner's
	// cutoff are rejected.
	Revocations Revocations
}

// Verifier validates HS256 access tokens issued by the account service and
// extracts the owner id.
type Verifier struct {
	secret      []byte
	parser      *jwt.Parser
	revocations Revocations
}

// claims accepts the owner id either as the standard subject or as the
// legacy numeric/string "id" claim.
type claims struct {
	UserID any `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token verifier requires a secret")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...), revocations: cfg.Revocations}, nil
}

// VerifySubject validates token and returns the owner id it carries.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty token")
	}
	var c claims
	parsed, err := v.parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		subject = userIDString(c.UserID)
	}
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	if err := v.checkRevoked(ctx, subject, c.IssuedAt); err != nil {
		return "", err
	}
	return subject, nil
}

func (v *Verifier) checkRevoked(ctx context.Context, subject string, issuedAt *jwt.NumericDate) error {
	if v.revocations == nil {
		return nil
	}
	cutoff, err := v.revocations.RevokedAfter(ctx, subject)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if cutoff.IsZero() {
		return nil
	}
	if issuedAt == nil || issuedAt.Time.Before(cutoff) {
		return ErrRevoked
	}
	return nil
}

func userIDString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		if id <= 0 {
			return ""
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}
