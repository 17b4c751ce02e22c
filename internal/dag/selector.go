package dag

import (
	"context"
	"time"

	"github.com/r3e-network/dalston/internal/catalog"
	"github.com/r3e-network/dalston/internal/registry"
)

// RegistryLookup is the subset of *registry.Registry the selector needs,
// narrowed to an interface so dag's own tests can stub it without a
// database.
type RegistryLookup interface {
	ListHealthyByDescriptor(ctx context.Context, descriptorID string, heartbeatTTL time.Duration) ([]registry.Instance, error)
}

// CatalogLookup is the subset of *catalog.Catalog the selector needs.
type CatalogLookup interface {
	Lookup(stage, language string, required []string) ([]catalog.EngineDescriptor, error)
}

// CatalogRegistrySelector is the production EngineSelector: it asks the
// Catalog for every engine descriptor capable of a stage/language/
// capability requirement, then prefers whichever candidate currently has a
// registered, healthy instance (spec §4.2: "Selection prefers registered
// (healthy) engines over merely catalogued ones").
type CatalogRegistrySelector struct {
	catalog      CatalogLookup
	registry     RegistryLookup
	heartbeatTTL time.Duration
}

// NewCatalogRegistrySelector wires the Catalog and Engine Registry into one
// selection policy.
func NewCatalogRegistrySelector(cat CatalogLookup, reg RegistryLookup, heartbeatTTL time.Duration) *CatalogRegistrySelector {
	return &CatalogRegistrySelector{catalog: cat, registry: reg, heartbeatTTL: heartbeatTTL}
}

func (s *CatalogRegistrySelector) Select(ctx context.Context, stage, language string, required []string) (catalog.EngineDescriptor, bool, error) {
	candidates, err := s.catalog.Lookup(stage, language, required)
	if err != nil {
		return catalog.EngineDescriptor{}, false, err
	}

	for _, candidate := range candidates {
		instances, err := s.registry.ListHealthyByDescriptor(ctx, candidate.ID, s.heartbeatTTL)
		if err != nil {
			return catalog.EngineDescriptor{}, false, err
		}
		if len(instances) > 0 {
			return candidate, true, nil
		}
	}

	// Nothing registered; fall back to the catalog's top preference so a
	// waiting policy still has an engine ID to assign.
	return candidates[0], false, nil
}
