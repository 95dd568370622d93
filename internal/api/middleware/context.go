package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/ciengine/pkg/models"
)

type contextKey string

const (
	runnerKey    contextKey = "runner"
	userIDKey    contextKey = "user_id"
	keyPrefixKey contextKey = "key_prefix"
)

// SetRunner stores the authenticated runner in ctx.
func SetRunner(ctx context.Context, runner *models.Runner) context.Context {
	return context.WithValue(ctx, runnerKey, runner)
}

// GetRunner returns the runner set by runner authentication.
func GetRunner(r *http.Request) (*models.Runner, bool) {
	runner, ok := r.Context().Value(runnerKey).(*models.Runner)
	return runner, ok && runner != nil
}

// SetUserID stores the authenticated end user's subject in ctx.
func SetUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func GetUserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok && id != ""
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
