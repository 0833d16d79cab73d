package admintoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"echopilot/pkg/clock"
)

const (
	// DefaultTTL is the default lifetime for issued admin tokens.
	DefaultTTL = 12 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultIssuer identifies tokens minted by this service.
	DefaultIssuer = "echopilot"

	roleAdmin = "admin"
)

var (
	// ErrInvalidToken covers malformed, expired, or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid admin token")
	// ErrNotAdmin means the token verified but does not carry the admin role.
	ErrNotAdmin = errors.New("token lacks admin role")
)

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues HS256 admin tokens for the ops endpoints.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clk    clock.Clock
}

// SignerOptions configures admin token signing.
type SignerOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Clock  clock.Clock
}

// NewSigner creates a signer. The secret is required.
func NewSigner(opts SignerOptions) (*Signer, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("admin token secret is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Signer{secret: []byte(opts.Secret), issuer: issuer, ttl: ttl, clk: clk}, nil
}

// Sign issues an admin token for the given subject.
func (s *Signer) Sign(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("admin token subject is required")
	}
	now := s.clk.Now().UTC()
	c := claims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verifier validates admin tokens against the shared secret.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	clk    clock.Clock
}

// VerifierOptions configures admin token verification.
type VerifierOptions struct {
	Secret string
	Issuer string
	Leeway time.Duration
	Clock  clock.Clock
}

// NewVerifier creates a verifier. The secret is required.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("admin token secret is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Verifier{secret: []byte(opts.Secret), issuer: issuer, leeway: leeway, clk: clk}, nil
}

// VerifyAdmin validates the token and confirms the admin role. It returns the
// token subject on success.
func (v *Verifier) VerifyAdmin(token string) (string, error) {
	c := claims{}
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.clk.Now() }),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if c.Role != roleAdmin {
		return "", ErrNotAdmin
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}
