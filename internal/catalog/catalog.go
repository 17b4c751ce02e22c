// Package catalog implements the in-memory engine catalog (C1): an
// immutable, process-global lookup loaded once from a static manifest,
// answering "which engine can handle {stage, language, capabilities}?" and
// resolving user-facing model aliases to concrete engine IDs.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/cache"
)

// wildcardLanguage marks an engine that accepts any language code.
const wildcardLanguage = "all"

// Capabilities describes optional feature flags an engine declares.
type Capabilities struct {
	WordTimestamps bool `yaml:"word_timestamps"`
	Streaming      bool `yaml:"streaming"`
	GPURequired    bool `yaml:"gpu_required"`
	GPUOptional    bool `yaml:"gpu_optional"`
}

// hasAll reports whether c declares every capability named in required.
func (c Capabilities) hasAll(required []string) bool {
	for _, r := range required {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "word_timestamps":
			if !c.WordTimestamps {
				return false
			}
		case "streaming":
			if !c.Streaming {
				return false
			}
		case "gpu":
			if !c.GPURequired && !c.GPUOptional {
				return false
			}
		case "":
			continue
		default:
			return false
		}
	}
	return true
}

// EngineDescriptor is the static, manifest-declared shape of one engine
// (spec §3.4). It is immutable after the manifest loads.
type EngineDescriptor struct {
	ID             string       `yaml:"id"`
	Version        string       `yaml:"version"`
	SchemaVersion  string       `yaml:"schema_version"`
	Stage          string       `yaml:"stage"`
	Languages      []string     `yaml:"languages"`
	Capabilities   Capabilities `yaml:"capabilities"`
	RTFCPU         float64      `yaml:"rtf_cpu"`
	RTFGPU         float64      `yaml:"rtf_gpu"`
	MaxConcurrency int          `yaml:"max_concurrency"`
	Image          string       `yaml:"image"`
}

// SupportsLanguage reports whether this engine can handle language (an ISO
// code, or "auto" which matches any engine).
func (e EngineDescriptor) SupportsLanguage(language string) bool {
	if language == "" || strings.EqualFold(language, "auto") {
		return true
	}
	for _, l := range e.Languages {
		if strings.EqualFold(l, wildcardLanguage) {
			return true
		}
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}

// isWildcard reports whether the engine declares support for every language.
func (e EngineDescriptor) isWildcard() bool {
	for _, l := range e.Languages {
		if strings.EqualFold(l, wildcardLanguage) {
			return true
		}
	}
	return false
}

// bestRTF returns the engine's preferred runtime factor: GPU when declared,
// else CPU. Lower is better (faster than real time).
func (e EngineDescriptor) bestRTF() float64 {
	if e.Capabilities.GPURequired || e.Capabilities.GPUOptional {
		if e.RTFGPU > 0 {
			return e.RTFGPU
		}
	}
	if e.RTFCPU > 0 {
		return e.RTFCPU
	}
	return e.RTFGPU
}

// Manifest is the raw, deserialized shape of the engine manifest file.
type Manifest struct {
	Engines []EngineDescriptor `yaml:"engines"`
	Aliases map[string]string  `yaml:"aliases"`
}

// Catalog is the loaded, queryable engine catalog. Safe for concurrent use;
// Reload atomically swaps the underlying manifest.
type Catalog struct {
	mu       sync.RWMutex
	manifest Manifest
	byStage  map[string][]EngineDescriptor
	byID     map[string]EngineDescriptor
	cache    *cache.Cache
	path     string
}

// Load reads and parses the manifest at path, building stage and ID indexes.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("catalog: parse manifest: %w", err)
	}

	c := &Catalog{
		path:  path,
		cache: cache.New(cache.Config{DefaultTTL: 30 * time.Second}),
	}
	c.index(manifest)
	return c, nil
}

func (c *Catalog) index(manifest Manifest) {
	byStage := make(map[string][]EngineDescriptor)
	byID := make(map[string]EngineDescriptor, len(manifest.Engines))
	for _, e := range manifest.Engines {
		byStage[e.Stage] = append(byStage[e.Stage], e)
		byID[e.ID] = e
	}

	c.mu.Lock()
	c.manifest = manifest
	c.byStage = byStage
	c.byID = byID
	c.mu.Unlock()
}

// Reload re-reads the manifest from disk and atomically swaps it in,
// invalidating every cached lookup so a manifest change becomes visible to
// the next DAG build rather than serving a stale decision from cache.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("catalog: reload: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("catalog: reload parse: %w", err)
	}
	c.index(manifest)
	c.cache.BumpVersion()
	return nil
}

// Lookup returns every engine for stage that supports language and declares
// every capability in required, ordered by preference: engines with an
// explicit (non-wildcard) language match before wildcard engines, then by
// ascending declared RTF (faster first). Returns a catalog validation error
// (spec §4.2/§6.1) if nothing matches.
func (c *Catalog) Lookup(stage, language string, required []string) ([]EngineDescriptor, error) {
	cacheKey := stage + "|" + language + "|" + strings.Join(required, ",")
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.([]EngineDescriptor), nil
	}

	c.mu.RLock()
	candidates := append([]EngineDescriptor(nil), c.byStage[stage]...)
	c.mu.RUnlock()

	var matches []EngineDescriptor
	for _, e := range candidates {
		if !e.SupportsLanguage(language) {
			continue
		}
		if !e.Capabilities.hasAll(required) {
			continue
		}
		matches = append(matches, e)
	}

	if len(matches) == 0 {
		return nil, c.validationError(stage, language, required)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		iWild, jWild := matches[i].isWildcard(), matches[j].isWildcard()
		if iWild != jWild {
			return !iWild // explicit match before wildcard
		}
		return matches[i].bestRTF() < matches[j].bestRTF()
	})

	c.cache.Set(cacheKey, matches, 0)
	return matches, nil
}

func (c *Catalog) validationError(stage, language string, required []string) error {
	c.mu.RLock()
	available := make([]string, 0, len(c.byStage[stage]))
	for _, e := range c.byStage[stage] {
		available = append(available, e.ID)
	}
	c.mu.RUnlock()

	suggestion := fmt.Sprintf("no engine registered for stage %q supports language %q with capabilities %v; add or update an engine.yaml entry", stage, language, required)
	return apierr.CatalogValidation(stage, language, required, available, suggestion)
}

// Get returns the descriptor for a known engine ID.
func (c *Catalog) Get(engineID string) (EngineDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[engineID]
	return e, ok
}

// ResolveAlias resolves a user-facing model alias (e.g. "fast", "accurate")
// to a concrete engine ID. Returns the input unchanged if it is not a
// known alias — callers treat the result as a candidate engine ID either way.
func (c *Catalog) ResolveAlias(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if resolved, ok := c.manifest.Aliases[name]; ok {
		return resolved
	}
	return name
}

// Stages returns every distinct stage name present in the manifest.
func (c *Catalog) Stages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stages := make([]string, 0, len(c.byStage))
	for s := range c.byStage {
		stages = append(stages, s)
	}
	sort.Strings(stages)
	return stages
}

// All returns every engine descriptor in the manifest, sorted by ID, for
// the gateway's list_engines operation (spec §4.8).
func (c *Catalog) All() []EngineDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	descriptors := make([]EngineDescriptor, len(c.manifest.Engines))
	copy(descriptors, c.manifest.Engines)
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })
	return descriptors
}
