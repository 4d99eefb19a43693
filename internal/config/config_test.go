package config

import (
	"path/filepath"
	"testing"
)

// TestWorkspaceConfig_RoundTrip verifies save and load through TOML.
func TestWorkspaceConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	want := &Workspace{
		RemoteURL:           "https://docs.example.com/Home-abc123",
		RootID:              "abc123",
		PollIntervalSeconds: 60,
		DebounceSeconds:     5,
	}
	if err := SaveWorkspace(path, want); err != nil {
		t.Fatalf("SaveWorkspace() failed: %v", err)
	}

	got, err := LoadWorkspace(path)
	if err != nil {
		t.Fatalf("LoadWorkspace() failed: %v", err)
	}
	if got.RemoteURL != want.RemoteURL || got.RootID != want.RootID {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.PollIntervalSeconds != 60 || got.DebounceSeconds != 5 {
		t.Errorf("interval overrides lost: %+v", got)
	}
}

// TestWorkspaceConfig_Validation verifies required fields are enforced on
// save and that loading a missing file fails.
func TestWorkspaceConfig_Validation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	if err := SaveWorkspace(path, &Workspace{RemoteURL: "x"}); err == nil {
		t.Error("expected SaveWorkspace to reject a missing root_id")
	}
	if _, err := LoadWorkspace(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected LoadWorkspace to fail on a missing file")
	}
}

// TestGlobal_EnvCredentials verifies the token comes from the environment
// when no config file exists.
func TestGlobal_EnvCredentials(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DOCSYNC_TOKEN", "secret-token")

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal() failed: %v", err)
	}
	if cfg.Token != "secret-token" {
		t.Errorf("token = %q, want env value", cfg.Token)
	}
	if cfg.APIBaseURL == "" {
		t.Error("expected a default API base URL")
	}
}

// TestRegisterWorkspace verifies the registry persists and refreshes
// existing rows instead of duplicating them.
func TestRegisterWorkspace(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := RegisterWorkspace("/tmp/vault", "https://docs.example.com/A-1"); err != nil {
		t.Fatalf("RegisterWorkspace() failed: %v", err)
	}
	if err := RegisterWorkspace("/tmp/vault", "https://docs.example.com/B-2"); err != nil {
		t.Fatalf("second RegisterWorkspace() failed: %v", err)
	}

	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal() failed: %v", err)
	}
	if len(cfg.Workspaces) != 1 {
		t.Fatalf("registry has %d rows, want 1", len(cfg.Workspaces))
	}
	if cfg.Workspaces[0].RemoteURL != "https://docs.example.com/B-2" {
		t.Errorf("registration not refreshed: %+v", cfg.Workspaces[0])
	}
}
