package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func writeManifest(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engines.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

const testManifest = `
engines:
  - id: whisper-large-v3
    version: "1.2.0"
    schema_version: "1"
    stage: transcribe
    languages: ["all"]
    capabilities:
      word_timestamps: true
      gpu_optional: true
    rtf_cpu: 0.8
    rtf_gpu: 0.1
    max_concurrency: 4
    image: registry.dalston.internal/engines/whisper-large:1.2.0

  - id: whisper-fr-specialist
    version: "0.9.0"
    schema_version: "1"
    stage: transcribe
    languages: ["fr"]
    capabilities:
      word_timestamps: true
      gpu_required: true
    rtf_cpu: 0.5
    rtf_gpu: 0.05
    max_concurrency: 2
    image: registry.dalston.internal/engines/whisper-fr:0.9.0

  - id: pyannote-diarize
    version: "2.0.0"
    schema_version: "1"
    stage: diarize
    languages: ["all"]
    capabilities:
      streaming: false
    rtf_cpu: 0.3
    max_concurrency: 2
    image: registry.dalston.internal/engines/pyannote:2.0.0

aliases:
  fast: whisper-large-v3
  accurate: whisper-fr-specialist
`

func TestLookup_WildcardMatch(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	matches, err := c.Lookup("diarize", "de", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "pyannote-diarize" {
		t.Fatalf("matches = %+v, want [pyannote-diarize]", matches)
	}
}

func TestLookup_ExplicitLanguagePreferredOverWildcard(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	matches, err := c.Lookup("transcribe", "fr", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].ID != "whisper-fr-specialist" {
		t.Errorf("matches[0].ID = %q, want whisper-fr-specialist (explicit match first)", matches[0].ID)
	}
	if matches[1].ID != "whisper-large-v3" {
		t.Errorf("matches[1].ID = %q, want whisper-large-v3 (wildcard second)", matches[1].ID)
	}
}

func TestLookup_UnsatisfiableRequestReturnsCatalogValidationError(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, err = c.Lookup("transcribe", "ja", []string{"streaming"})
	if err == nil {
		t.Fatal("Lookup: want error, got nil")
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		t.Fatalf("error is not *apierr.Error: %v", err)
	}
	if apiErr.Code != apierr.CodeCatalogValidation {
		t.Errorf("Code = %v, want %v", apiErr.Code, apierr.CodeCatalogValidation)
	}
	if apiErr.Details["stage"] != "transcribe" {
		t.Errorf("Details[stage] = %v, want transcribe", apiErr.Details["stage"])
	}
}

func TestLookup_CapabilityFilter(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	matches, err := c.Lookup("transcribe", "en", []string{"word_timestamps", "gpu"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	for _, m := range matches {
		if !m.Capabilities.WordTimestamps {
			t.Errorf("engine %s lacks word_timestamps but matched", m.ID)
		}
	}
}

func TestResolveAlias(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := c.ResolveAlias("fast"); got != "whisper-large-v3" {
		t.Errorf("ResolveAlias(fast) = %q, want whisper-large-v3", got)
	}
	if got := c.ResolveAlias("accurate"); got != "whisper-fr-specialist" {
		t.Errorf("ResolveAlias(accurate) = %q, want whisper-fr-specialist", got)
	}
	if got := c.ResolveAlias("whisper-large-v3"); got != "whisper-large-v3" {
		t.Errorf("ResolveAlias(unknown) = %q, want input echoed back", got)
	}
}

func TestReload_InvalidatesCache(t *testing.T) {
	path := writeManifest(t, testManifest)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := c.Lookup("diarize", "de", nil); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	versionBefore := c.cache.Version()

	if err := os.WriteFile(path, []byte(testManifest+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.cache.Version() == versionBefore {
		t.Error("Reload did not bump the cache version")
	}
}

func TestStages(t *testing.T) {
	c, err := Load(writeManifest(t, testManifest))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	stages := c.Stages()
	if len(stages) != 2 {
		t.Fatalf("Stages() = %v, want 2 entries", stages)
	}
}
