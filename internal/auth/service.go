package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ServiceAPI interface {
	GenerateOperatorToken(subject string, permissions []string, ttl time.Duration) (string, error)
	ValidateAccessToken(tokenString string) (*OperatorClaims, error)
}

// JWTTokenGenerator signs operator tokens with RS256. A generator built without a
// private key can only validate.
type JWTTokenGenerator struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	DefaultTTL time.Duration
	now        func() time.Time
}

func NewJWTTokenGenerator(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, defaultTTL time.Duration) *JWTTokenGenerator {
	if publicKey == nil && privateKey != nil {
		publicKey = &privateKey.PublicKey
	}
	if defaultTTL <= 0 {
		defaultTTL = 12 * time.Hour
	}
	return &JWTTokenGenerator{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		DefaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Service is the operator auth service
type Service struct {
	tokens *JWTTokenGenerator
}

func NewService(tokens *JWTTokenGenerator) *Service {
	return &Service{tokens: tokens}
}

func (s *Service) GenerateOperatorToken(subject string, permissions []string, ttl time.Duration) (string, error) {
	return s.tokens.GenerateOperatorToken(subject, permissions, ttl)
}

// ValidateAccessToken validates access token and returns claims
func (s *Service) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	return s.tokens.ValidateToken(tokenString)
}

func (j *JWTTokenGenerator) GenerateOperatorToken(subject string, permissions []string, ttl time.Duration) (string, error) {
	if j.PrivateKey == nil {
		return "", ErrNoSigningKey
	}
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = j.DefaultTTL
	}

	now := j.now()
	claims := &OperatorClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(j.PrivateKey)
}

// ValidateToken validates a JWT token and returns claims
func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*OperatorClaims, error) {
	if j.PublicKey == nil {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.PublicKey, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(j.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
