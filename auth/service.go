package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that fails signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals a service built without a signing secret.
	ErrMissingSecret = errors.New("auth: jwt secret is required")
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

// Service resolves bearer tokens to identities. Session issuance belongs to an
// upstream identity provider; Issue exists for tooling and tests that share
// the secret.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service signing with HS256.
func NewService(jwtSecret string) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Issue signs a token for the identity.
func (s *Service) Issue(id Identity) (string, error) {
	if id.TenantID == "" || id.UserID == "" {
		return "", fmt.Errorf("auth: issue: tenant_id and user_id are required")
	}
	if !isValidRole(id.Role) {
		return "", fmt.Errorf("auth: issue: invalid role %q", id.Role)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"tenant_id": id.TenantID,
		"user_id":   id.UserID,
		"role":      string(id.Role),
		"exp":       now.Add(s.ttl).Unix(),
		"iat":       now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a JWT token and returns the identity it carries.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	tenantID, _ := claims["tenant_id"].(string)
	userID, _ := claims["user_id"].(string)
	if tenantID == "" || userID == "" {
		return Identity{}, fmt.Errorf("%w: tenant_id and user_id claims are required", ErrInvalidToken)
	}
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !isValidRole(role) {
		return Identity{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	return Identity{TenantID: tenantID, UserID: userID, Role: role}, nil
}
