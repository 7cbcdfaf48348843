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

const testPlan = `plan_id: payments
plan_name: Payments tier
kind: DRILL
waves:
  - number: 0
    name: db
    server_ids: [s-0123456789abcdef0]
  - number: 1
    name: app
    server_ids: [s-0123456789abcdef1]
    depends_on: [0]
    pause_before: true
`

type cliEnv struct {
	dir    string
	config string
	plan   string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "drwave.yaml"),
		plan:   filepath.Join(dir, "payments.yaml"),
	}

	cfg := "store:\n  driver: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "drwave.db") + "\n" +
		"telemetry:\n  logging:\n    level: error\n  metrics:\n    enabled: false\n"
	if err := os.WriteFile(env.config, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.WriteFile(env.plan, []byte(testPlan), 0o644); err != nil {
		t.Fatalf("failed to write plan: %v", err)
	}

	t.Setenv("DRWAVE_STORE_DRIVER", "")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return env
}

// run executes the CLI and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	outputFormat = "json"

	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", e.config, "--principal", "user:oncall"}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanValidate(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "plan", "validate", env.plan)
	if err != nil {
		t.Fatalf("plan validate failed: %v", err)
	}

	var summary planSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("unexpected output %q: %v", out, err)
	}
	if summary.PlanID != "payments" || summary.Waves != 2 || summary.Servers != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(summary.Levels) != 2 || len(summary.Pauses) != 1 || summary.Pauses[0] != 1 {
		t.Errorf("unexpected graph summary: %+v", summary)
	}
}

func TestPlanValidate_Invalid(t *testing.T) {
	env := newCLIEnv(t)
	bad := filepath.Join(env.dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(strings.Replace(testPlan, "depends_on: [0]", "depends_on: [1]", 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := env.run(t, "plan", "validate", bad)
	if err == nil || !strings.Contains(err.Error(), "INVALID_PLAN") {
		t.Fatalf("expected INVALID_PLAN, got %v", err)
	}
}

func TestExecutionCommands(t *testing.T) {
	env := newCLIEnv(t)

	if _, err := env.run(t, "migrate"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	out, err := env.run(t, "execution", "create", "--file", env.plan)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var exec struct {
		ID          string `json:"execution_id"`
		Status      string `json:"status"`
		InitiatedBy string `json:"initiated_by"`
	}
	if err := json.Unmarshal([]byte(out), &exec); err != nil {
		t.Fatalf("unexpected output %q: %v", out, err)
	}
	if exec.Status != "CREATED" || exec.InitiatedBy != "user:oncall" {
		t.Errorf("unexpected execution: %+v", exec)
	}

	out, err = env.run(t, "claims", "list")
	if err != nil {
		t.Fatalf("claims list failed: %v", err)
	}
	if !strings.Contains(out, "s-0123456789abcdef1") {
		t.Errorf("expected the plan's servers to be claimed, got %s", out)
	}

	if _, err := env.run(t, "execution", "create", "--file", env.plan); err == nil || !strings.Contains(err.Error(), "CONFLICT") {
		t.Errorf("expected CONFLICT for a second execution, got %v", err)
	}

	out, err = env.run(t, "execution", "list", "--status", "created")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, exec.ID) {
		t.Errorf("expected %s in list output %s", exec.ID, out)
	}

	out, err = env.run(t, "execution", "cancel", exec.ID, "--reason", "rescheduled")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !strings.Contains(out, `"CANCELLED"`) {
		t.Errorf("expected CANCELLED, got %s", out)
	}

	if _, err := env.run(t, "execution", "fail", exec.ID); err == nil {
		t.Error("expected fail without --reason to be rejected")
	}
}

func TestExecutionCreate_RecoveryNeedsConfirm(t *testing.T) {
	env := newCLIEnv(t)
	plan := filepath.Join(env.dir, "recovery.yaml")
	if err := os.WriteFile(plan, []byte(strings.Replace(testPlan, "kind: DRILL", "kind: RECOVERY", 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := env.run(t, "execution", "create", "--file", plan); err == nil || !strings.Contains(err.Error(), "UNAUTHORIZED") {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if _, err := env.run(t, "execution", "create", "--file", plan, "--confirm"); err != nil {
		t.Fatalf("confirmed recovery failed: %v", err)
	}
}

func TestRender_YAML(t *testing.T) {
	outputFormat = "yaml"
	defer func() { outputFormat = "json" }()

	var buf bytes.Buffer
	if err := render(&buf, planSummary{PlanID: "payments", Waves: 2}); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "plan_id: payments") {
		t.Errorf("expected yaml keys from json tags, got %s", buf.String())
	}
}
