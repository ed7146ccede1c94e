package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dpserve/dpserve/internal/config"
)

type contextKey string

const userContextKey contextKey = "user"

const (
	AuthMethodFreePass = "free_pass"
	AuthMethodJWT      = "jwt"
)

// AuthMiddleware resolves the calling user. In free_pass mode the user name
// is taken from the X-User-Name header as-is; it exists for development and
// trusted-gateway deployments only. In jwt mode a bearer token is verified
// and the user name is read from its subject.
type AuthMiddleware struct {
	logger *zap.Logger
	method string
	secret []byte
	issuer string
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		logger: logger,
		method: cfg.Method,
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
	}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.resolveUser(r)
		if err != nil {
			m.sendError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) resolveUser(r *http.Request) (string, error) {
	switch m.method {
	case AuthMethodFreePass:
		user := r.Header.Get("X-User-Name")
		if user == "" {
			return "", errMissingUser
		}
		return user, nil

	case AuthMethodJWT:
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return "", errMissingToken
		}
		return m.verifyToken(strings.TrimPrefix(header, "Bearer "))

	default:
		return "", errMissingUser
	}
}

func (m *AuthMiddleware) verifyToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		m.logger.Debug("Token verification failed", zap.Error(err))
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errInvalidToken
	}
	return subject, nil
}

func (m *AuthMiddleware) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUser returns the authenticated user name, empty when unauthenticated.
func GetUser(ctx context.Context) string {
	user, _ := ctx.Value(userContextKey).(string)
	return user
}

// WithUser injects a user name into ctx, used by tests.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingUser  authError = "missing X-User-Name header"
	errMissingToken authError = "missing bearer token"
	errInvalidToken authError = "invalid token"
)
