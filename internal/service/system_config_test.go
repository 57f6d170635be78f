package service

import (
	"errors"
	"testing"
	"time"
)

func TestPatchRuntimeConfig_AppliesPersistsAndSwaps(t *testing.T) {
	h := newHarness()

	updated, err := h.cp.PatchRuntimeConfig([]byte(`{"probe_interval":"5m","retention_days":30}`))
	if err != nil {
		t.Fatalf("PatchRuntimeConfig: %v", err)
	}
	if updated.ProbeInterval.Std() != 5*time.Minute {
		t.Fatalf("probe_interval=%v, want 5m", updated.ProbeInterval.Std())
	}
	if updated.RetentionDays != 30 {
		t.Fatalf("retention_days=%d, want 30", updated.RetentionDays)
	}
	if updated.UserAgent != "vigil" {
		t.Fatalf("untouched field changed: user_agent=%q", updated.UserAgent)
	}

	live := h.cp.RuntimeCfg.Load()
	if live.ProbeInterval.Std() != 5*time.Minute || live.RetentionDays != 30 {
		t.Fatalf("atomic pointer not swapped: %+v", live)
	}
	if h.store.savedVersion != 1 {
		t.Fatalf("persisted version=%d, want 1", h.store.savedVersion)
	}
	if h.store.savedCfg == nil || h.store.savedCfg.RetentionDays != 30 {
		t.Fatalf("persisted config not updated: %+v", h.store.savedCfg)
	}
}

func TestPatchRuntimeConfig_SecondPatchBumpsVersion(t *testing.T) {
	h := newHarness()

	if _, err := h.cp.PatchRuntimeConfig([]byte(`{"retention_days":30}`)); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	if _, err := h.cp.PatchRuntimeConfig([]byte(`{"retention_days":45}`)); err != nil {
		t.Fatalf("second patch: %v", err)
	}
	if h.store.savedVersion != 2 {
		t.Fatalf("persisted version=%d, want 2", h.store.savedVersion)
	}
}

func TestPatchRuntimeConfig_ResumesPersistedVersion(t *testing.T) {
	h := newHarness()
	h.store.persistedVersion = 7

	if _, err := h.cp.PatchRuntimeConfig([]byte(`{"retention_days":15}`)); err != nil {
		t.Fatalf("PatchRuntimeConfig: %v", err)
	}
	if h.store.savedVersion != 8 {
		t.Fatalf("persisted version=%d, want 8", h.store.savedVersion)
	}
}

func TestPatchRuntimeConfig_RejectsBadPatches(t *testing.T) {
	h := newHarness()
	before := *h.cp.RuntimeCfg.Load()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `probe_interval=5m`},
		{"empty object", `{}`},
		{"unknown field", `{"probe_concurrency":4}`},
		{"null value", `{"user_agent":null}`},
		{"wrong type", `{"retention_days":"many"}`},
		{"bad duration", `{"probe_timeout":"fast"}`},
		{"zero retention", `{"retention_days":0}`},
		{"negative interval", `{"probe_interval":"-10m"}`},
		{"threshold below one", `{"material_change_threshold":0}`},
	}
	for _, tc := range cases {
		_, err := h.cp.PatchRuntimeConfig([]byte(tc.body))
		if err == nil {
			t.Fatalf("%s: patch should be rejected", tc.name)
		}
		wantServiceError(t, err, "INVALID_ARGUMENT")
	}

	if after := *h.cp.RuntimeCfg.Load(); after != before {
		t.Fatalf("rejected patches changed the live config: %+v", after)
	}
	if h.store.savedCfg != nil {
		t.Fatal("rejected patches must not persist")
	}
}

func TestPatchRuntimeConfig_PersistFailureKeepsLiveConfig(t *testing.T) {
	h := newHarness()
	h.store.saveErr = errors.New("disk full")

	_, err := h.cp.PatchRuntimeConfig([]byte(`{"retention_days":30}`))
	wantServiceError(t, err, "INTERNAL")
	if h.cp.RuntimeCfg.Load().RetentionDays != 90 {
		t.Fatal("failed persist must not swap the live config")
	}
}

func TestPatchRuntimeConfig_VersionLoadFailure(t *testing.T) {
	h := newHarness()
	h.store.loadCfgErr = errors.New("locked")

	_, err := h.cp.PatchRuntimeConfig([]byte(`{"retention_days":30}`))
	wantServiceError(t, err, "INTERNAL")
}
