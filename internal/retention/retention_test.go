package retention

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/r3e-network/dalston/internal/objectstore"
	"github.com/r3e-network/dalston/internal/platform/resilience"
	"github.com/r3e-network/dalston/internal/statestore"
)

// stubStore is an in-memory purgeStore double.
type stubStore struct {
	mu sync.Mutex

	artifacts []statestore.Artifact
	sessions  []statestore.RealtimeSession
	jobs      []statestore.Job

	markPurgedErr        error
	markSessionPurgedErr error
	markJobPurgedErr     error

	purgedArtifacts []string
	purgedSessions  []string
	purgedJobs      []string
}

func (s *stubStore) ListPurgeablePending(ctx context.Context, limit int) ([]statestore.Artifact, error) {
	return s.artifacts, nil
}

func (s *stubStore) MarkPurged(ctx context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPurgedErr != nil {
		return s.markPurgedErr
	}
	s.purgedArtifacts = append(s.purgedArtifacts, artifactID)
	return nil
}

func (s *stubStore) ListPurgeableSessions(ctx context.Context, limit int) ([]statestore.RealtimeSession, error) {
	return s.sessions, nil
}

func (s *stubStore) MarkSessionPurged(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSessionPurgedErr != nil {
		return s.markSessionPurgedErr
	}
	s.purgedSessions = append(s.purgedSessions, sessionID)
	return nil
}

func (s *stubStore) ListPurgeableJobs(ctx context.Context, limit int) ([]statestore.Job, error) {
	return s.jobs, nil
}

func (s *stubStore) MarkJobPurged(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markJobPurgedErr != nil {
		return s.markJobPurgedErr
	}
	s.purgedJobs = append(s.purgedJobs, jobID)
	return nil
}

// stubObjects is an in-memory objectstore.Store double that can be made to
// fail a specific URI's delete, exercising the per-row-tolerant sweep.
type stubObjects struct {
	mu        sync.Mutex
	deleted   []string
	failOnURI string
}

func (o *stubObjects) Fetch(ctx context.Context, uri string) ([]byte, error) { return nil, nil }

func (o *stubObjects) Put(ctx context.Context, key string, data []byte) (string, error) {
	return "mem://" + key, nil
}

func (o *stubObjects) Delete(ctx context.Context, uri string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failOnURI != "" && uri == o.failOnURI {
		return errors.New("delete failed")
	}
	o.deleted = append(o.deleted, uri)
	return nil
}

var _ objectstore.Store = (*stubObjects)(nil)

func TestSweep_PurgesArtifactsSessionsAndJobs(t *testing.T) {
	store := &stubStore{
		artifacts: []statestore.Artifact{{ID: "art-1", URI: "mem://a"}, {ID: "art-2", URI: "mem://b"}},
		sessions:  []statestore.RealtimeSession{{ID: "sess-1"}},
		jobs:      []statestore.Job{{ID: "job-1"}},
	}
	objects := &stubObjects{}
	p := New(Config{}, store, objects, resilience.New(resilience.DefaultConfig()), nil)

	p.Sweep(context.Background())

	if len(store.purgedArtifacts) != 2 {
		t.Errorf("purged artifacts = %v, want 2", store.purgedArtifacts)
	}
	if len(objects.deleted) != 2 {
		t.Errorf("deleted objects = %v, want 2", objects.deleted)
	}
	if len(store.purgedSessions) != 1 || store.purgedSessions[0] != "sess-1" {
		t.Errorf("purged sessions = %v, want [sess-1]", store.purgedSessions)
	}
	if len(store.purgedJobs) != 1 || store.purgedJobs[0] != "job-1" {
		t.Errorf("purged jobs = %v, want [job-1]", store.purgedJobs)
	}
}

func TestSweep_ArtifactDeleteFailureDoesNotMarkPurged(t *testing.T) {
	store := &stubStore{
		artifacts: []statestore.Artifact{{ID: "art-1", URI: "mem://bad"}, {ID: "art-2", URI: "mem://good"}},
	}
	objects := &stubObjects{failOnURI: "mem://bad"}
	p := New(Config{}, store, objects, resilience.New(resilience.DefaultConfig()), nil)

	p.Sweep(context.Background())

	if len(store.purgedArtifacts) != 1 || store.purgedArtifacts[0] != "art-2" {
		t.Fatalf("purgedArtifacts = %v, want only [art-2] (P4: never mark purged without a confirmed delete)", store.purgedArtifacts)
	}
}

func TestSweep_EveryRowFailingStillCompletesSweep(t *testing.T) {
	store := &stubStore{
		sessions: []statestore.RealtimeSession{{ID: "sess-1"}, {ID: "sess-2"}},
	}
	store.markSessionPurgedErr = nil
	objects := &stubObjects{}
	p := New(Config{}, store, objects, resilience.New(resilience.DefaultConfig()), nil)

	// sess-1 marks fine; simulate a mid-batch failure by swapping the error
	// in after the first call would have gone through in a real store. Since
	// this stub applies markSessionPurgedErr uniformly, exercise the
	// uniform-failure path instead: every row fails, and Sweep must still
	// finish without panicking or returning early.
	store.markSessionPurgedErr = errors.New("boom")
	p.Sweep(context.Background())

	if len(store.purgedSessions) != 0 {
		t.Fatalf("purgedSessions = %v, want none when every mark fails", store.purgedSessions)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	if cfg.SweepCron == "" {
		t.Error("expected a default sweep cron expression")
	}
	if cfg.BatchSize <= 0 {
		t.Error("expected a positive default batch size")
	}
}
