package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals a service built without a signing secret.
	ErrMissingSecret = errors.New("auth: jwt secret is required")
)

// Service issues and verifies actor bearer tokens.
type Service struct {
	jwtSecret []byte
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service signing with HS256.
func NewService(jwtSecret, issuer string, ttl time.Duration) (*Service, error) {
	if strings.TrimSpace(jwtSecret) == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for the actor.
func (s *Service) IssueToken(actorID string, role Role) (string, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", fmt.Errorf("auth: actor id is required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"actor_id": actorID,
		"role":     string(role),
		"iss":      s.issuer,
		"exp":      now.Add(s.ttl).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates a token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	actorID, ok := claims["actor_id"].(string)
	if !ok || actorID == "" {
		return Actor{}, fmt.Errorf("%w: missing actor_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, roleStr)
	}
	return Actor{ID: actorID, Role: role}, nil
}

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", raw)
	}
	return role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleTrader, RoleCustodian, RoleTransporter, RoleOperator:
		return true
	default:
		return false
	}
}
