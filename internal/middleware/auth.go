package middleware

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthAuditor records rejected requests.
type AuthAuditor interface {
	AuthFailure(ctx context.Context, ip, requestID, reason string)
}

// TokenAuth checks bearer tokens against a bcrypt hash. A token that
// verified once is remembered by digest so bcrypt runs once per token,
// not once per request.
type TokenAuth struct {
	hash    []byte
	auditor AuthAuditor
	logger  *zap.Logger

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewTokenAuth creates the authenticator. An empty hash disables
// authentication.
func NewTokenAuth(hash string, auditor AuthAuditor, logger *zap.Logger) *TokenAuth {
	return &TokenAuth{
		hash:     []byte(hash),
		auditor:  auditor,
		logger:   logger,
		verified: make(map[[sha256.Size]byte]struct{}),
	}
}

// Enabled reports whether requests are checked.
func (a *TokenAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Middleware rejects requests without a valid bearer token.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			a.deny(w, r, "missing bearer token")
			return
		}
		if !a.check(token) {
			a.deny(w, r, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuth) check(token string) bool {
	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = struct{}{}
	a.mu.Unlock()
	return true
}

func (a *TokenAuth) deny(w http.ResponseWriter, r *http.Request, reason string) {
	ip := ClientIP(r)
	LoggerWithCorrelation(r.Context(), a.logger).Warn("request denied",
		zap.String("ip", ip),
		zap.String("path", r.URL.Path),
		zap.String("reason", reason),
	)
	if a.auditor != nil {
		a.auditor.AuthFailure(r.Context(), ip, GetRequestID(r.Context()), reason)
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="callcore"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
