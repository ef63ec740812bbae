package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/spf13/viper"
)

// AdminAuth guards the collaborator endpoints (recharge, ledger and
// session reads) consumed by the administration suite. The suite
// authenticates with a static bearer token; operator credentials never
// reach these routes.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		expected := viper.GetString("admin.api_token")
		if expected == "" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
