package identity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"benchline/internal/domain"
	"benchline/internal/repo"
)

var (
	// ErrUnknownCredential is a normal outcome: an unregistered badge was
	// scanned. Callers reject the scan, nothing more.
	ErrUnknownCredential = errors.New("unknown credential")
	// ErrResolverUnavailable means the directory backend cannot be reached
	// right now. Callers must treat it as "cannot authenticate", not denial.
	ErrResolverUnavailable = errors.New("identity directory unavailable")
)

// Resolver maps scanned credentials to operators. Reads hit an atomically
// swapped cache so concurrent lookups need no locking; Refresh replaces the
// whole map.
type Resolver struct {
	repo  repo.Repo
	cache atomic.Pointer[map[string]domain.Operator]
}

func NewResolver(r repo.Repo) *Resolver {
	res := &Resolver{repo: r}
	empty := map[string]domain.Operator{}
	res.cache.Store(&empty)
	return res
}

// Resolve returns the operator for a credential. Cache misses fall through to
// the directory so a freshly registered badge works before the next refresh.
func (r *Resolver) Resolve(ctx context.Context, credentialID string) (domain.Operator, error) {
	if op, ok := (*r.cache.Load())[credentialID]; ok {
		return op, nil
	}
	op, err := r.repo.OperatorByCredential(ctx, credentialID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Operator{}, ErrUnknownCredential
	}
	if err != nil {
		return domain.Operator{}, fmt.Errorf("%w: %w", ErrResolverUnavailable, err)
	}
	return op, nil
}

// Refresh reloads the credential directory into the cache.
func (r *Resolver) Refresh(ctx context.Context) error {
	all, err := r.repo.AllCredentials(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResolverUnavailable, err)
	}
	r.cache.Store(&all)
	return nil
}

// RunRefresh refreshes the cache periodically until the context is done.
func (r *Resolver) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}
