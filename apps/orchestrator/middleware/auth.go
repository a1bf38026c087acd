package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"
)

const (
	authHeaderParts = 2
	bearerScheme    = "bearer"

	// DefaultRealm is announced in WWW-Authenticate challenges.
	DefaultRealm = "parity-council"
)

// AuthMiddleware guards operator actions such as mitigation behind a frame
// authenticator.
type AuthMiddleware struct {
	authenticator security.Authenticator
	realm         string
}

// NewAuthMiddleware creates the middleware. An empty realm uses DefaultRealm.
func NewAuthMiddleware(authenticator security.Authenticator, realm string) *AuthMiddleware {
	if realm == "" {
		realm = DefaultRealm
	}
	return &AuthMiddleware{authenticator: authenticator, realm: realm}
}

// bearerToken returns the token of a well-formed bearer header.
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", authHeaderParts)
	if len(parts) != authHeaderParts || !strings.EqualFold(parts[0], bearerScheme) {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// Require rejects requests without a valid bearer token.
func (am *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := util.Log(ctx)

		header := r.Header.Get("Authorization")
		if header == "" {
			am.unauthorized(w, "Missing authorization header")
			return
		}

		token, ok := bearerToken(header)
		if !ok {
			am.unauthorized(w, "Invalid authorization header format. Expected: Bearer <token>")
			return
		}

		authCtx, err := am.authenticator.Authenticate(ctx, token)
		if err != nil {
			log.Debug("token validation failed", "error", err.Error())
			am.unauthorized(w, "Invalid or expired token")
			return
		}

		log.Info("operator authenticated",
			"operator", OperatorFromContext(authCtx),
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r.WithContext(authCtx))
	})
}

func (am *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+am.realm+`"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}

// OperatorFromContext returns the authenticated subject, or "" when the
// request was not authenticated.
func OperatorFromContext(ctx context.Context) string {
	claims := security.ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	subject, _ := claims.GetSubject()
	return subject
}
