package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleFacultyTOML = `
name = "social"
concurrent = true
max_concurrent = 3
isolation = "none"

[orient]
command = "./hooks/social-orient"
timeout = "45s"

[engage]
mode = "internal"
model = "claude-sonnet-4-5"
prompt = "You handle relationships."
tools = ["web_search"]
max_turns = 30
parallel_tool_execution = true
max_parallel_tools = 4
compact_threshold = 0.8
compact_keep_recent = 12
ledger_nudge_interval = 5
truncate_closed_blocks = true
code_execution = true
code_execution_timeout = "90s"
code_execution_memory = 1024
code_execution_cpus = 2.0

[awareness]
enabled = true
lookback_hours = 48
max_running = 3
max_recent_completed = 4
max_recent_findings = 8
include_child_work = true

[consolidate]
command = "./hooks/social-consolidate"
timeout = "30s"

[recover]
command = "./hooks/social-recover"
timeout = "20s"
max_attempts = 4
backoff = "5s"

[pulse]
cron = "0 9 * * *"
dedup_key = "pulse/social"
`

func writeFaculty(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFaculties(t *testing.T) {
	dir := t.TempDir()
	writeFaculty(t, dir, "social.toml", sampleFacultyTOML)

	reg, err := LoadFaculties(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	f := reg.Get("social")
	if f == nil {
		t.Fatal("faculty not loaded")
	}
	if f.Engage.Model != "claude-sonnet-4-5" || f.Engage.MaxTurns != 30 {
		t.Errorf("engage = %+v", f.Engage)
	}
	if f.Orient.Timeout.Duration != 45*time.Second {
		t.Errorf("orient timeout = %s", f.Orient.Timeout.Duration)
	}
	if f.Engage.CodeExecutionTimeout.Duration != 90*time.Second {
		t.Errorf("code timeout = %s", f.Engage.CodeExecutionTimeout.Duration)
	}
	if !f.Awareness.Enabled || f.Awareness.LookbackHours != 48 {
		t.Errorf("awareness = %+v", f.Awareness)
	}
	if f.Recover.MaxAttempts != 4 || f.Recover.Backoff.Duration != 5*time.Second {
		t.Errorf("recover = %+v", f.Recover)
	}
	if f.Pulse == nil || f.Pulse.Cron != "0 9 * * *" {
		t.Errorf("pulse = %+v", f.Pulse)
	}
}

func TestUnknownKeysTolerated(t *testing.T) {
	dir := t.TempDir()
	writeFaculty(t, dir, "odd.toml", `
name = "odd"
future_knob = "yes"

[engage]
mode = "internal"
model = "m"
unknown_option = 7
`)
	reg, err := LoadFaculties(dir, slog.Default())
	if err != nil {
		t.Fatalf("unknown keys should warn, not fail: %v", err)
	}
	if reg.Get("odd") == nil {
		t.Error("faculty with unknown keys not loaded")
	}
}

func TestFacultyValidation(t *testing.T) {
	cases := map[string]string{
		"missing name": `
[engage]
mode = "internal"
`,
		"bad mode": `
name = "x"
[engage]
mode = "hybrid"
`,
		"external without command": `
name = "x"
[engage]
mode = "external"
`,
		"bad isolation": `
name = "x"
isolation = "vm"
[engage]
mode = "internal"
`,
	}
	for label, content := range cases {
		dir := t.TempDir()
		writeFaculty(t, dir, "bad.toml", content)
		if _, err := LoadFaculties(dir, slog.Default()); err == nil {
			t.Errorf("%s: expected error", label)
		}
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFaculty(t, dir, "minimal.toml", `
name = "minimal"
[engage]
model = "m"
`)
	reg, err := LoadFaculties(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	f := reg.Get("minimal")
	if f.Engage.Mode != EngageModeInternal {
		t.Errorf("mode = %s", f.Engage.Mode)
	}
	if f.Engage.MaxTurns != 25 || f.Engage.MaxParallelTools != 4 {
		t.Errorf("engage defaults = %+v", f.Engage)
	}
	if f.Engage.CompactThreshold != 0.75 || f.Engage.CompactKeepRecent != 10 {
		t.Errorf("compaction defaults = %+v", f.Engage)
	}
	if f.Isolation != IsolationNone {
		t.Errorf("isolation = %s", f.Isolation)
	}
}

func TestEffectiveConcurrency(t *testing.T) {
	serial := &Faculty{Name: "s", Concurrent: false, MaxConcurrent: 10}
	if got := serial.EffectiveConcurrency(8); got != 1 {
		t.Errorf("serial = %d", got)
	}
	capped := &Faculty{Name: "c", Concurrent: true, MaxConcurrent: 3}
	if got := capped.EffectiveConcurrency(8); got != 3 {
		t.Errorf("capped = %d", got)
	}
	unset := &Faculty{Name: "u", Concurrent: true}
	if got := unset.EffectiveConcurrency(8); got != 8 {
		t.Errorf("unset = %d", got)
	}
}

func TestEngineConfigEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:///tmp/test.db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_ENDPOINT", "collector:4318")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != "sqlite:///tmp/test.db" {
		t.Errorf("database_url = %q", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Endpoint != "collector:4318" {
		t.Errorf("otel = %+v", cfg.OTel)
	}
	if cfg.MaxChildDepth != 5 {
		t.Errorf("max_child_depth default = %d", cfg.MaxChildDepth)
	}
}

func TestRegistryReload(t *testing.T) {
	dir := t.TempDir()
	writeFaculty(t, dir, "social.toml", sampleFacultyTOML)
	reg, err := LoadFaculties(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	writeFaculty(t, dir, "analysis.toml", `
name = "analysis"
[engage]
mode = "internal"
model = "m"
`)
	if err := reg.Reload(dir); err != nil {
		t.Fatal(err)
	}
	if len(reg.Names()) != 2 {
		t.Errorf("names = %v", reg.Names())
	}
}
