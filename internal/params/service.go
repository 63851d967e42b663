// Package params resolves the active parameter version: the one with the
// greatest effectiveFrom at or before the query instant.
package params

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/regimebot/regimebot/internal/domain"
	"github.com/regimebot/regimebot/internal/persistence"
)

// BaselineID is the placeholder version id strategy engines stamp on raw
// plans; the planner overwrites it with the true active id before emission.
const BaselineID = "baseline"

// Service resolves and caches the active ParamVersion.
type Service struct {
	repo     persistence.ParamsRepo
	cacheTTL time.Duration

	mu       sync.Mutex
	cached   *domain.ParamVersion
	cachedAt time.Time
}

// NewService creates a params service over the repository.
func NewService(repo persistence.ParamsRepo) *Service {
	return &Service{repo: repo, cacheTTL: 30 * time.Second}
}

// ActiveAt returns the version in force at ts (epoch ms). The most recent
// lookup is cached briefly; position-manager drift checks tolerate that lag.
func (s *Service) ActiveAt(ctx context.Context, ts int64) (*domain.ParamVersion, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL && s.cached.EffectiveFrom <= ts {
		v := *s.cached
		s.mu.Unlock()
		return &v, nil
	}
	s.mu.Unlock()

	version, err := s.repo.ActiveAt(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("resolve active params: %w", err)
	}
	if version == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cached = version
	s.cachedAt = time.Now()
	s.mu.Unlock()

	v := *version
	return &v, nil
}

// ActiveID returns the active version id, falling back to BaselineID when no
// version is stored or the lookup fails.
func (s *Service) ActiveID(ctx context.Context, ts int64) string {
	version, err := s.ActiveAt(ctx, ts)
	if err != nil || version == nil {
		return BaselineID
	}
	return version.ID
}

// Seed stores a version if its id is not present yet.
func (s *Service) Seed(ctx context.Context, version domain.ParamVersion) error {
	if err := s.repo.Insert(ctx, version); err != nil {
		return fmt.Errorf("seed param version: %w", err)
	}
	return nil
}
