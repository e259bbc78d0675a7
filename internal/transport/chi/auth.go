package chi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	logpkg "github.com/kailas-cloud/promptmeter/internal/logger"
)

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// UserAuthMiddleware resolves Bearer tokens to users and stores the user in the
// request context. Requests without an Authorization header proceed as guests;
// a malformed header or an unknown token is rejected.
func UserAuthMiddleware(tokens map[string]domain.User) func(http.Handler) http.Handler {
	valid := make(map[string]domain.User, len(tokens))
	for tok, u := range tokens {
		if tok != "" && u.ID != "" {
			valid[tok] = u
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				next.ServeHTTP(w, r)
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized,
					CodeUnauthorized, "authorization header must use Bearer scheme")
				return
			}

			u, ok := valid[auth[len(bearerPrefix):]]
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token")
				return
			}

			ctx := domain.ContextWithUser(r.Context(), u)
			ctx = logpkg.With(ctx, zap.String("user_id", u.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
