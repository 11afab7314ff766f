package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for user data
type contextKey string

const userContextKey contextKey = "user"

var errMissingToken = errors.New("missing token")

// JWTClaims represents the claims in tokens issued by the account service.
// CallSid, when set, scopes a monitor token to a single call.
type JWTClaims struct {
	jwt.RegisteredClaims
	Phone   string `json:"phone"`
	CallSid string `json:"call_sid,omitempty"`
}

// AuthUser represents the authenticated user in request context
type AuthUser struct {
	ID    string
	Phone string
}

// E.164 phone number validation (international format)
var e164Regex = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

func isValidE164(phone string) bool {
	return e164Regex.MatchString(phone)
}

// parseToken validates an HS256 token signed with the configured secret.
func (r *Router) parseToken(tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, errMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// withAuth is middleware that requires valid JWT authentication
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			http.Error(w, `{"error": "authentication not configured"}`, http.StatusServiceUnavailable)
			return
		}

		// Get token from Authorization header
		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, `{"error": "invalid authorization format"}`, http.StatusUnauthorized)
			return
		}

		claims, err := r.parseToken(parts[1])
		if err != nil {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}

		user := &AuthUser{
			ID:    claims.Subject,
			Phone: claims.Phone,
		}
		ctx := context.WithValue(req.Context(), userContextKey, user)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// getAuthUser extracts the authenticated user from context
func getAuthUser(ctx context.Context) *AuthUser {
	user, _ := ctx.Value(userContextKey).(*AuthUser)
	return user
}

// authorizeMonitor checks the token query parameter of a monitor request.
// It returns the HTTP status to fail with, or 0 when the request may proceed.
func (r *Router) authorizeMonitor(req *http.Request, callSid string) int {
	if r.cfg.JWTSecret == "" {
		return 0
	}
	claims, err := r.parseToken(req.URL.Query().Get("token"))
	if err != nil {
		return http.StatusUnauthorized
	}
	if claims.CallSid != "" && claims.CallSid != callSid {
		return http.StatusForbidden
	}
	return 0
}
