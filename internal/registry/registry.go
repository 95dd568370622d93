// Package registry authenticates runners by bearer token and registers
// unknown tokens on first use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/cache"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// TokenPrefixLen is the number of leading token bytes stored in clear
// for lookup.
const TokenPrefixLen = 8

const tokenCacheTTL = 5 * time.Minute

// ErrUnauthorized is returned for a missing, malformed, or unknown token.
var ErrUnauthorized = errors.New("unauthorized")

// ErrRunnerDisabled is returned when the token belongs to a disabled runner.
// Such tokens are never registered again.
var ErrRunnerDisabled = errors.New("runner is disabled")

// Options configures a Registry.
type Options struct {
	// AutoRegister creates a runner for an unknown token instead of
	// rejecting it.
	AutoRegister bool
	// MinTokenLen rejects shorter tokens outright.
	MinTokenLen int
}

// Registry resolves runner tokens. Verified tokens are remembered in the
// cache so bcrypt runs once per token per TTL.
type Registry struct {
	store store.Store
	cache cache.Cache
	clock clock.Clock
	opts  Options
}

// New creates a Registry. c may be nil to disable token caching.
func New(s store.Store, c cache.Cache, clk clock.Clock, opts Options) *Registry {
	if opts.MinTokenLen < TokenPrefixLen {
		opts.MinTokenLen = TokenPrefixLen
	}
	return &Registry{store: s, cache: c, clock: clk, opts: opts}
}

// Authenticate returns the active runner owning token.
func (r *Registry) Authenticate(ctx context.Context, token string) (*models.Runner, error) {
	if len(token) < r.opts.MinTokenLen {
		return nil, ErrUnauthorized
	}

	if runner := r.cached(ctx, token); runner != nil {
		return runner, nil
	}

	candidates, err := r.store.GetRunnersByTokenPrefix(ctx, token[:TokenPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("looking up runner: %w", err)
	}
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) != nil {
			continue
		}
		if !c.Active {
			return nil, ErrRunnerDisabled
		}
		r.remember(ctx, token, c.ID)
		return c, nil
	}
	return nil, ErrUnauthorized
}

// AuthenticateOrRegister behaves like Authenticate but registers a new
// runner for an unknown token when auto-registration is enabled.
func (r *Registry) AuthenticateOrRegister(ctx context.Context, token string) (*models.Runner, error) {
	runner, err := r.Authenticate(ctx, token)
	if !errors.Is(err, ErrUnauthorized) || !r.opts.AutoRegister || len(token) < r.opts.MinTokenLen {
		return runner, err
	}
	return r.Register(ctx, token, "")
}

// Register creates an active runner for token. An empty name is derived
// from the token prefix.
func (r *Registry) Register(ctx context.Context, token, name string) (*models.Runner, error) {
	if len(token) < r.opts.MinTokenLen {
		return nil, ErrUnauthorized
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing token: %w", err)
	}

	prefix := token[:TokenPrefixLen]
	if name == "" {
		name = "runner-" + prefix
	}
	now := r.clock.Now()
	runner := &models.Runner{
		ID:          uuid.New(),
		Name:        name,
		TokenPrefix: prefix,
		TokenHash:   string(hash),
		Active:      true,
		Tags:        []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateRunner(ctx, runner); err != nil {
		return nil, fmt.Errorf("creating runner: %w", err)
	}
	slog.Info("runner registered", "runner_id", runner.ID, "name", runner.Name)

	r.remember(ctx, token, runner.ID)
	return runner, nil
}

func (r *Registry) cached(ctx context.Context, token string) *models.Runner {
	if r.cache == nil {
		return nil
	}
	raw, found, err := r.cache.Get(ctx, cache.RunnerTokenKey(token))
	if err != nil || !found {
		return nil
	}
	id, err := uuid.ParseBytes(raw)
	if err != nil {
		return nil
	}
	runner, err := r.store.GetRunner(ctx, id)
	if err != nil || !runner.Active {
		return nil
	}
	return runner
}

func (r *Registry) remember(ctx context.Context, token string, id uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, cache.RunnerTokenKey(token), []byte(id.String()), tokenCacheTTL); err != nil {
		slog.Warn("failed to cache runner token", "runner_id", id, "error", err)
	}
}

// SetActive enables or disables a runner. Cached tokens of a disabled
// runner stop resolving because the cache entry is checked against the
// stored record.
func (r *Registry) SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.Runner, error) {
	if err := r.store.SetRunnerActive(ctx, id, active, r.clock.Now()); err != nil {
		return nil, err
	}
	slog.Info("runner updated", "runner_id", id, "active", active)
	return r.store.GetRunner(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*models.Runner, error) {
	return r.store.ListRunners(ctx)
}
