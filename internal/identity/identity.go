package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer = "customer"
	RoleBusiness = "business"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Session is the caller identity resolved from the hosted identity provider.
// It travels explicitly on the request context.
type Session struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
}

func (s Session) Authenticated() bool {
	return s.UserID != ""
}

// Provider resolves a bearer token issued by the hosted identity provider.
type Provider interface {
	Verify(ctx context.Context, token string) (Session, error)
}

type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *Verifier) Verify(_ context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := claims.Role
	if role != RoleBusiness {
		role = RoleCustomer
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = "Guest"
	}
	return Session{
		UserID:      claims.Subject,
		DisplayName: name,
		Email:       claims.Email,
		Role:        role,
	}, nil
}

type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (s *Signer) Sign(session Session) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  session.DisplayName,
		Email: session.Email,
		Role:  session.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

type contextKey struct{}

func WithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, contextKey{}, session)
}

func FromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(contextKey{}).(Session)
	if !ok || !session.Authenticated() {
		return Session{}, false
	}
	return session, true
}
