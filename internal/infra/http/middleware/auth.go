package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/jwt"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// ClaimsKey holds the validated token claims.
const ClaimsKey logger.ContextKey = "claims"

// GetClaims extracts the validated claims from context.
func GetClaims(ctx context.Context) *jwt.Claims {
	if claims, ok := ctx.Value(ClaimsKey).(*jwt.Claims); ok {
		return claims
	}
	return nil
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the "token" query parameter for websocket upgrades.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

// BearerAuth validates HS256 bearer tokens. A nil validator disables
// authentication.
func BearerAuth(validator *jwt.Generator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			tokenString := extractToken(r)
			if tokenString == "" {
				RecordAuthFailure("missing_token")
				apierror.Unauthorized("Missing authorization token").WriteJSONWithRequestID(w, "", requestID)
				return
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				reason, message := "invalid_token", "Invalid token"
				if errors.Is(err, jwt.ErrExpiredToken) {
					reason, message = "expired_token", "Token has expired"
				}
				RecordAuthFailure(reason)
				log.Debug("authentication failed", "reason", reason, "request_id", requestID)
				apierror.Unauthorized(message).WriteJSONWithRequestID(w, "", requestID)
				return
			}

			recordSubject(w, claims.Subject)
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperator rejects tokens that may not change scan state. Requests
// without claims pass, since authentication is optional.
func RequireOperator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims := GetClaims(r.Context()); claims != nil && !claims.CanMutate() {
				RecordAuthFailure("forbidden_role")
				apierror.PermissionDenied("Operator role required").
					WithContext("role", claims.Role).
					WriteJSONWithRequestID(w, "", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
