// Package token issues and validates signed authorization tokens.
//
// Validation is deliberately coarse about failures: callers learn only
// whether a token was malformed, carried a bad signature, or fell
// outside its validity window. Anything finer would hand an attacker an
// oracle.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
)

// Role is an authorization level. Roles are totally ordered: a higher
// role satisfies any lesser requirement.
type Role int

const (
	RoleGuest Role = iota
	RoleMember
	RoleOperator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOperator:
		return "operator"
	case RoleMember:
		return "member"
	default:
		return "guest"
	}
}

// Satisfies reports whether r meets the required level.
func (r Role) Satisfies(required Role) bool { return r >= required }

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "operator", "controller":
		return RoleOperator, nil
	case "member", "user":
		return RoleMember, nil
	case "guest", "":
		return RoleGuest, nil
	default:
		return RoleGuest, fmt.Errorf("unknown role %q", s)
	}
}

// Claims is the decoded, verified token payload. Claims are transient:
// produced per validation call and discarded after use.
type Claims struct {
	Subject  string
	Role     Role
	IssuedAt time.Time
	Expiry   time.Time
}

// Config configures a Codec.
type Config struct {
	SigningKey []byte
	Issuer     string
	// DefaultTTL applies when Issue is called with a non-positive ttl.
	// Zero means 15 minutes.
	DefaultTTL time.Duration
}

// Codec signs and verifies tokens with HMAC-SHA256.
type Codec struct {
	key        []byte
	issuer     string
	defaultTTL time.Duration

	// now is swapped in tests to pin the validation window.
	now func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("token: signing key is required")
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Codec{
		key:        cfg.SigningKey,
		issuer:     cfg.Issuer,
		defaultTTL: ttl,
		now:        time.Now,
	}, nil
}

type wireClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issue produces a signed token embedding {subject, role, iat: now,
// exp: now+ttl}. A non-positive ttl falls back to the default TTL.
func (c *Codec) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	wc := wireClaims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, wc)
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Validate verifies integrity first (HMAC, constant-time compare inside
// the library), then checks the time window. The returned error is
// always one of ErrMalformed, ErrSignatureInvalid, ErrExpired.
func (c *Codec) Validate(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}

	// Claims validation is done by hand below so the window check uses
	// our clock and maps onto the coarse error taxonomy.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	var wc wireClaims
	_, err := parser.ParseWithClaims(raw, &wc, func(t *jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, ErrSignatureInvalid
		}
		// Structural problems, wrong algorithm, undecodable segments:
		// all collapse into the same category.
		return Claims{}, ErrMalformed
	}

	if wc.IssuedAt == nil || wc.ExpiresAt == nil {
		return Claims{}, ErrMalformed
	}
	role, err := ParseRole(wc.Role)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if c.issuer != "" && wc.Issuer != c.issuer {
		return Claims{}, ErrSignatureInvalid
	}

	now := c.now()
	iat := wc.IssuedAt.Time
	exp := wc.ExpiresAt.Time
	// Valid window is iat <= now < exp; both early and late use fall
	// into the same category on purpose.
	if now.Before(iat) || !now.Before(exp) {
		return Claims{}, ErrExpired
	}

	return Claims{
		Subject:  wc.Subject,
		Role:     role,
		IssuedAt: iat,
		Expiry:   exp,
	}, nil
}
