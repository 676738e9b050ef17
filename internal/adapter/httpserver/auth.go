package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash of an admin token, suitable for the
// ADMIN_API_TOKEN variable. Storing the hash keeps the cleartext token out
// of the deployment manifest.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// matchToken compares a presented token against the configured value. A
// configured bcrypt hash (the "$2" prefix) is compared with bcrypt; any
// other value is treated as a cleartext token and compared in constant
// time so dev setups keep working.
func matchToken(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// presentedToken pulls the admin token from the request: a Bearer
// Authorization header, or the X-Admin-Token header the CLI sets.
func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

// TokenGuard rejects requests that do not carry the configured admin token.
// It is only mounted when a token is configured; an empty configuration
// still rejects everything rather than waving requests through.
func (s *Server) TokenGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchToken(s.Cfg.AdminAPIToken, presentedToken(r)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHENTICATED",
					Message: "missing or invalid admin token",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
