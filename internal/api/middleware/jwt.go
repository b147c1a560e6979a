package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type claimsContextKey struct{}

// DefaultTokenTTL is the lifetime of an API token.
const DefaultTokenTTL = 24 * time.Hour

// MailboxClaims holds the JWT claims of an API caller. A token either names
// one mailbox ("mailbox@context") or carries the admin flag, which grants
// access to every mailbox.
type MailboxClaims struct {
	Mailbox string `json:"mbx,omitempty"`
	Admin   bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant access to mailbox key.
func (c *MailboxClaims) Allows(key string) bool {
	return c.Admin || c.Mailbox == key
}

// GenerateToken creates a signed token for mailbox key, or an admin token
// when key is empty.
func GenerateToken(secret []byte, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := MailboxClaims{
		Mailbox: key,
		Admin:   key == "",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "vmstore",
			Subject:   key,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireToken returns middleware that validates HS256 bearer tokens and
// stores their claims in the request context.
func RequireToken(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &MailboxClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("invalid api token", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if !claims.Admin && claims.Mailbox == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by RequireToken, or nil.
func ClaimsFromContext(ctx context.Context) *MailboxClaims {
	c, _ := ctx.Value(claimsContextKey{}).(*MailboxClaims)
	return c
}
