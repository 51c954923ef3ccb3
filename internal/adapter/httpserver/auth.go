// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// platform connection management, task enqueueing, review decisions,
// and result retrieval. The package follows clean architecture
// principles and provides a clear separation between HTTP concerns
// and business logic.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of a user's login password.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=httpserver.HashPassword: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters64, err1 := parseUint32(parts[1])
	mem64, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters64, mem64, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// sessionClaims is the JWT claim set issued for an authenticated caller.
// The subject is always a User.ID: every registered user gets their own
// token rather than sharing a single admin credential.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// SessionManager issues and validates the bearer tokens that
// authenticate every /v1/* request.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager creates a session manager from configuration.
func NewSessionManager(cfg config.Config) *SessionManager {
	ttl := cfg.JWTTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{secret: []byte(cfg.JWTSecret), ttl: ttl}
}

// GenerateJWT issues a compact HS256 JWT whose subject is userID.
func (sm *SessionManager) GenerateJWT(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("op=httpserver.GenerateJWT: empty user id")
	}
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "vedfolnir",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.secret)
	if err != nil {
		return "", fmt.Errorf("op=httpserver.GenerateJWT: %w", err)
	}
	return signed, nil
}

// ValidateJWT validates an HS256 JWT and returns its subject (User.ID).
func (sm *SessionManager) ValidateJWT(tokenString string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("op=httpserver.ValidateJWT: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("op=httpserver.ValidateJWT: invalid token")
	}
	return claims.Subject, nil
}

type userIDContextKey struct{}

// ContextWithUserID attaches the authenticated caller's User.ID to ctx.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the authenticated caller's User.ID, or ""
// if the request context carries none (should not happen past
// BearerAuth, but handlers must not assume it).
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// BearerAuth enforces a valid per-user Bearer JWT on every request and
// injects the token subject (User.ID) into the request context for
// downstream handlers. There is no SSO/reverse-proxy fallback here:
// every caller, human or automation, authenticates with its own token.
func (sm *SessionManager) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			writeError(w, r, authRequiredErr, nil)
			return
		}
		token := strings.TrimSpace(authz[len("Bearer "):])
		userID, err := sm.ValidateJWT(token)
		if err != nil {
			writeError(w, r, authRequiredErr, nil)
			return
		}
		ctx := ContextWithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authRequiredErr wraps domain.ErrAuthentication for writeError's
// taxonomy mapping without leaking the underlying JWT failure reason.
var authRequiredErr = fmt.Errorf("op=httpserver.BearerAuth: %w", domain.ErrAuthentication)

// parseUint32 parses a decimal string into uint32; returns an error on failure.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("op=httpserver.parseUint32: %w", err)
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("op=httpserver.parseUint32: value out of range")
	}
	return uint32(x), nil
}
