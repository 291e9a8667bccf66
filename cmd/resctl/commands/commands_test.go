package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	content := `
telemetry:
  metrics:
    enabled: false
  events:
    enable_async: false
state:
  backend:
    type: file
    file:
      root: data
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "abc123", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStateCommands(t *testing.T) {
	cfg := writeTestConfig(t)

	if _, err := runCommand(t, "-c", cfg, "state", "set", "agent:1", "ACTIVE", "--type", "agent", "--meta", "zone=a"); err != nil {
		t.Fatalf("state set: %v", err)
	}
	if _, err := runCommand(t, "-c", cfg, "state", "set", "agent:1", "PAUSED", "-t", "AGENT", "-r", "maintenance"); err != nil {
		t.Fatalf("state set: %v", err)
	}

	out, err := runCommand(t, "-c", cfg, "-o", "json", "state", "get", "agent:1")
	if err != nil {
		t.Fatalf("state get: %v", err)
	}
	var entry struct {
		ResourceType     string  `json:"resource_type"`
		TransitionReason *string `json:"transition_reason"`
	}
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", out, err)
	}
	if entry.ResourceType != "AGENT" || entry.TransitionReason == nil || *entry.TransitionReason != "maintenance" {
		t.Errorf("unexpected entry %+v", entry)
	}

	out, err = runCommand(t, "-c", cfg, "state", "history", "agent:1")
	if err != nil {
		t.Fatalf("state history: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 3 {
		t.Errorf("expected header and two rows, got:\n%s", out)
	}

	// PAUSED cannot move to RECOVERED
	if _, err := runCommand(t, "-c", cfg, "state", "set", "agent:1", "RECOVERED"); err == nil {
		t.Error("expected invalid transition to fail")
	}

	out, err = runCommand(t, "-c", cfg, "-o", "yaml", "state", "list")
	if err != nil {
		t.Fatalf("state list: %v", err)
	}
	if !strings.Contains(out, "ResourceState.PAUSED: 1") {
		t.Errorf("expected paused count in yaml output, got:\n%s", out)
	}
}

func TestCircuitCommands(t *testing.T) {
	cfg := writeTestConfig(t)

	if _, err := runCommand(t, "-c", cfg, "circuits", "depend", "api", "db", "--create"); err != nil {
		t.Fatalf("circuits depend: %v", err)
	}
	if _, err := runCommand(t, "-c", cfg, "circuits", "depend", "db", "api"); err == nil {
		t.Error("expected cycle to be rejected")
	}

	out, err := runCommand(t, "-c", cfg, "circuits", "trip", "db", "--reason", "drill")
	if err != nil {
		t.Fatalf("circuits trip: %v", err)
	}
	if !strings.Contains(out, "api is now OPEN") {
		t.Errorf("expected cascade in output, got:\n%s", out)
	}

	out, err = runCommand(t, "-c", cfg, "-o", "json", "circuits", "status")
	if err != nil {
		t.Fatalf("circuits status: %v", err)
	}
	var summary map[string]struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", out, err)
	}
	if summary["db"].State != "OPEN" || summary["api"].State != "OPEN" {
		t.Errorf("expected both circuits open, got %+v", summary)
	}

	out, err = runCommand(t, "-c", cfg, "circuits", "reset", "--all")
	if err != nil {
		t.Fatalf("circuits reset: %v", err)
	}
	if !strings.Contains(out, "reset 2 circuits") {
		t.Errorf("unexpected reset output %q", out)
	}

	if _, err := runCommand(t, "-c", cfg, "circuits", "trip", "missing"); err == nil {
		t.Error("expected error for unknown circuit")
	}
	if _, err := runCommand(t, "-c", cfg, "circuits", "reset"); err == nil {
		t.Error("expected error without a name or --all")
	}
}

func TestValidateCommand(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := runCommand(t, "validate", cfg, "--show")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "type: file") {
		t.Errorf("expected effective config, got:\n%s", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("system:\n  memory_threshold: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCommand(t, "validate", bad); err == nil {
		t.Error("expected invalid config to fail")
	}
}

func TestOutputFlag(t *testing.T) {
	if _, err := runCommand(t, "-o", "xml", "version"); err == nil {
		t.Error("expected unknown output format to fail")
	}
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "resctl test (commit: abc123") {
		t.Errorf("unexpected version output %q", out)
	}
}
