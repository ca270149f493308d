package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermissionReconcile = "reconcile_payments"
	PermissionAdmin     = "admin"

	Issuer = "credit-recovery"
)

type ctxKey string

const ContextOperatorKey ctxKey = "operator"

// Operator is the authenticated caller of the operator API.
type Operator struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions,omitempty"`
}

func (o *Operator) HasPermission(permission string) bool {
	for _, p := range o.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// OperatorClaims represents JWT token claims
type OperatorClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func (c *OperatorClaims) Operator() *Operator {
	return &Operator{Subject: c.Subject, Permissions: c.Permissions}
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrNoSigningKey = errors.New("no signing key configured")
)

func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	o, ok := ctx.Value(ContextOperatorKey).(*Operator)
	return o, ok
}

func ContextWithOperator(ctx context.Context, operator *Operator) context.Context {
	return context.WithValue(ctx, ContextOperatorKey, operator)
}
