package service

import (
	"context"

	"github.com/vigilrelay/vigil/internal/sources"
)

// SourcesSnapshot returns the currently loaded relay lists.
func (s *ControlPlaneService) SourcesSnapshot() sources.Snapshot {
	return s.Sources.Snapshot()
}

// RefreshSources reloads the seed file and remote list immediately and
// returns the lists now in effect.
func (s *ControlPlaneService) RefreshSources(ctx context.Context) (sources.Snapshot, error) {
	if err := s.Sources.Refresh(ctx); err != nil {
		return sources.Snapshot{}, internal("refresh sources", err)
	}
	return s.Sources.Snapshot(), nil
}
