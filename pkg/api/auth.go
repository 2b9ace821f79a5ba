package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the API. Tokens are issued elsewhere; the API only
// verifies them.
const (
	RoleComplianceOfficer = "compliance_officer"
	RoleComplianceAdmin   = "compliance_admin"
	RoleLegalCounsel      = "legal_counsel"
	RoleAuditor           = "auditor"
	RoleSystemAdmin       = "system_admin"
)

// Claims are the JWT claims the API expects.
type Claims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles"`
	Organization string   `json:"organization,omitempty"`
}

// HasRole reports whether the principal carries any of the given roles.
func (c *Claims) HasRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Verifier validates bearer tokens. HMAC (HS256) against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the verified claims attached by the auth middleware.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// publicPaths skip authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

// AuthMiddleware verifies the bearer token and attaches claims to the
// request context. Fails closed when the verifier is nil.
func AuthMiddleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if v == nil {
				WriteUnauthorized(w, r, "authentication is not configured")
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				WriteUnauthorized(w, r, "missing bearer token")
				return
			}
			claims, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				WriteUnauthorized(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// requireRole guards a handler with a role check.
func requireRole(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			WriteUnauthorized(w, r, "")
			return
		}
		if !claims.HasRole(roles...) {
			WriteForbidden(w, r, "requires one of: "+strings.Join(roles, ", "))
			return
		}
		h(w, r)
	}
}
