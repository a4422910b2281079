package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appI18n "github.com/pavelanni/tefprep/internal/i18n"
	"github.com/pavelanni/tefprep/internal/model"
)

// Claims are the token claims issued by the auth provider. The subject is
// the user ID.
type Claims struct {
	Role  model.UserRole `json:"role,omitempty"`
	Email string         `json:"email,omitempty"`
	Name  string         `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for the given secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token. Production tokens come from the auth provider; this
// serves local development and tests.
func (a *Authenticator) Issue(sub string, role model.UserRole, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:  role,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "tefprep-dev",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(a.secret)
}

// Parse verifies a token and returns its claims.
func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUnauthorized, err)
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, fmt.Errorf("token without subject: %w", model.ErrUnauthorized)
	}
	return c, nil
}

// requireAuth is middleware that verifies the bearer token and loads the
// caller's user record into the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.writeError(w, r, model.ErrUnauthorized)
			return
		}
		claims, err := h.auth.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			slog.Debug("rejected token", "error", err)
			h.writeError(w, r, err)
			return
		}

		role := claims.Role
		if role != model.UserRoleAdmin {
			role = model.UserRoleStudent
		}
		// Only applied when the user is new.
		trial := h.access.TrialExpiry()
		user, err := h.store.EnsureUser(r.Context(), model.User{
			ID:            claims.Subject,
			Email:         claims.Email,
			DisplayName:   claims.Name,
			Role:          role,
			PlanExpiresAt: &trial,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if user == nil {
			h.writeError(w, r, errors.New("user vanished after upsert"))
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: appI18n.T(r.Context(), "ErrUnauthorized")})
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: appI18n.T(r.Context(), "ErrForbidden")})
		})
	}
}

// ClientIP resolves the caller's address from proxy headers: the first
// X-Forwarded-For entry, then X-Real-IP, then "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}
