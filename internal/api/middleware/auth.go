package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
	"github.com/kiranshivaraju/ciengine/internal/registry"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// RunnerAuthenticator resolves runner bearer tokens.
type RunnerAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Runner, error)
	AuthenticateOrRegister(ctx context.Context, token string) (*models.Runner, error)
}

// Auth provides runner and end-user authentication middleware.
type Auth struct {
	runners   RunnerAuthenticator
	jwtSecret []byte
}

// NewAuth creates a new Auth middleware. jwtSecret verifies HS256 user
// tokens issued by the host application.
func NewAuth(runners RunnerAuthenticator, jwtSecret string) *Auth {
	return &Auth{runners: runners, jwtSecret: []byte(jwtSecret)}
}

// Runner requires a valid runner token and sets the runner and
// key_prefix in the request context.
func (a *Auth) Runner(next http.Handler) http.Handler {
	return a.runner(next, false)
}

// RunnerOrRegister is Runner, except an unknown token registers a new
// runner when the registry allows it.
func (a *Auth) RunnerOrRegister(next http.Handler) http.Handler {
	return a.runner(next, true)
}

func (a *Auth) runner(next http.Handler, register bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		var (
			runner *models.Runner
			err    error
		)
		if register {
			runner, err = a.runners.AuthenticateOrRegister(r.Context(), token)
		} else {
			runner, err = a.runners.Authenticate(r.Context(), token)
		}
		if errors.Is(err, registry.ErrRunnerDisabled) {
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Runner is disabled", nil)
			return
		}
		if errors.Is(err, registry.ErrUnauthorized) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid runner token", nil)
			return
		}
		if err != nil {
			slog.Error("runner authentication failed", "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate runner token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(runnerContext(r.Context(), runner)))
	})
}

// User requires a valid end-user JWT and sets the user id and key_prefix
// in the request context.
func (a *Auth) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		subject, ok := a.verifyUser(token)
		if !ok {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid user token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(userContext(r.Context(), subject)))
	})
}

// Any accepts either an end-user JWT or a runner token. Unknown runner
// tokens are not registered here.
func (a *Auth) Any(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if subject, ok := a.verifyUser(token); ok {
			next.ServeHTTP(w, r.WithContext(userContext(r.Context(), subject)))
			return
		}
		a.Runner(next).ServeHTTP(w, r)
	})
}

func (a *Auth) verifyUser(raw string) (string, bool) {
	if strings.Count(raw, ".") != 2 {
		return "", false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

func runnerContext(ctx context.Context, runner *models.Runner) context.Context {
	ctx = SetRunner(ctx, runner)
	return setKeyPrefix(ctx, "runner:"+runner.TokenPrefix)
}

func userContext(ctx context.Context, subject string) context.Context {
	ctx = SetUserID(ctx, subject)
	return setKeyPrefix(ctx, "user:"+subject)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
