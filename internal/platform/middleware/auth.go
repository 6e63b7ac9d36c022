package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"consentry/pkg/secrets"
)

// Auth validates the bearer token and stores the token subject in the request
// context. Requests without a valid token are rejected with 401.
func Auth(signingKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(signingKey), nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "invalid bearer token",
					"request_id", GetRequestID(r.Context()),
					"error", err,
				)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// SubjectOrOperator authenticates either a subject bearer token or the
// operator token. A request carrying X-Admin-Token is judged as an operator;
// anything else must present a valid bearer token.
func SubjectOrOperator(signingKey, tokenHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	auth := Auth(signingKey, logger)
	adminAuth := AdminAuth(tokenHash, logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Admin-Token") != "" {
				adminAuth(next).ServeHTTP(w, r)
				return
			}
			auth(next).ServeHTTP(w, r)
		})
	}
}

// AdminAuth validates the X-Admin-Token header against a bcrypt hash of the
// operator token and marks the context as operator. Operator requests may act
// on any subject.
func AdminAuth(tokenHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if tokenHash == "" || token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if err := secrets.Verify(token, tokenHash); err != nil {
				logger.WarnContext(r.Context(), "invalid admin token",
					"request_id", GetRequestID(r.Context()),
				)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context())))
		})
	}
}
