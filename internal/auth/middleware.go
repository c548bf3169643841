package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorKey contextKey = "authOperator"

// GetOperator retrieves the authenticated operator from context.
func GetOperator(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(operatorKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithOperator returns a copy of ctx carrying operator.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// Options configure bearer-token validation. Audience, Issuer and Role are
// optional; an empty value skips that check.
type Options struct {
	Secret   string
	Audience string
	Issuer   string
	// Role must appear in the token's roles claim to run recognition batches.
	Role string
}

// OperatorClaims are the claims carried by an operator token.
type OperatorClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token grants role.
func (c *OperatorClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// JWTMiddleware validates HMAC bearer tokens and injects the operator (the
// token subject) into the request context. Tokens must carry an expiry.
func JWTMiddleware(opts Options) gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(opts.Secret))
	role := strings.TrimSpace(opts.Role)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if audience := strings.TrimSpace(opts.Audience); audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}
	if issuer := strings.TrimSpace(opts.Issuer); issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			unauthorized(c, "missing JWT secret")
			return
		}

		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims := &OperatorClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			unauthorized(c, "invalid audience")
			return
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			unauthorized(c, "invalid issuer")
			return
		case err != nil || !token.Valid:
			unauthorized(c, "invalid token")
			return
		}

		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}
		if role != "" && !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator lacks role " + role})
			return
		}

		c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), claims.Subject))
		c.Set(string(operatorKey), claims.Subject)

		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
