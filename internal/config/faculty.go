package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// EngageMode selects the built-in loop or an external engage command.
type EngageMode string

const (
	EngageModeInternal EngageMode = "internal"
	EngageModeExternal EngageMode = "external"
)

// Isolation selects the focus working-directory strategy.
type Isolation string

const (
	IsolationNone     Isolation = "none"
	IsolationWorktree Isolation = "worktree"
)

// HookConfig configures an external phase hook.
type HookConfig struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
}

// RecoverConfig configures the recover hook.
type RecoverConfig struct {
	Command     string   `toml:"command"`
	Timeout     Duration `toml:"timeout"`
	MaxAttempts int      `toml:"max_attempts"`
	Backoff     Duration `toml:"backoff"`
}

// EngageConfig configures the engage phase.
type EngageConfig struct {
	Mode            EngageMode `toml:"mode"`
	ExternalCommand string     `toml:"external_command"`

	Model                 string   `toml:"model"`
	Prompt                string   `toml:"prompt"`
	Tools                 []string `toml:"tools"`
	MaxTurns              int      `toml:"max_turns"`
	ParallelToolExecution bool     `toml:"parallel_tool_execution"`
	MaxParallelTools      int      `toml:"max_parallel_tools"`
	CompactThreshold      float64  `toml:"compact_threshold"`
	CompactKeepRecent     int      `toml:"compact_keep_recent"`
	LedgerNudgeInterval   int      `toml:"ledger_nudge_interval"`
	TruncateClosedBlocks  bool     `toml:"truncate_closed_blocks"`

	CodeExecution        bool     `toml:"code_execution"`
	CodeExecutionTimeout Duration `toml:"code_execution_timeout"`
	CodeExecutionMemory  int64    `toml:"code_execution_memory"` // MiB
	CodeExecutionCPUs    float64  `toml:"code_execution_cpus"`

	BeforeLLMCallHooks  []string `toml:"before_llm_call_hooks"`
	BeforeToolCallHooks []string `toml:"before_tool_call_hooks"`
	AfterToolCallHooks  []string `toml:"after_tool_call_hooks"`
}

// AwarenessConfig controls digest assembly at Orient time.
type AwarenessConfig struct {
	Enabled            bool `toml:"enabled"`
	LookbackHours      int  `toml:"lookback_hours"`
	MaxRunning         int  `toml:"max_running"`
	MaxRecentCompleted int  `toml:"max_recent_completed"`
	MaxRecentFindings  int  `toml:"max_recent_findings"`
	IncludeChildWork   bool `toml:"include_child_work"`
}

// PulseConfig submits recurring work for the faculty on a cron expression.
type PulseConfig struct {
	Cron     string `toml:"cron"`
	Params   string `toml:"params"`
	DedupKey string `toml:"dedup_key"`
}

// Faculty is one configured cognitive specialization. Not mutable by the
// engine.
type Faculty struct {
	Name          string    `toml:"name"`
	Concurrent    bool      `toml:"concurrent"`
	MaxConcurrent int       `toml:"max_concurrent"`
	Isolation     Isolation `toml:"isolation"`

	Orient      HookConfig      `toml:"orient"`
	Engage      EngageConfig    `toml:"engage"`
	Awareness   AwarenessConfig `toml:"awareness"`
	Consolidate HookConfig      `toml:"consolidate"`
	Recover     RecoverConfig   `toml:"recover"`
	Pulse       *PulseConfig    `toml:"pulse"`
}

func (f *Faculty) applyDefaults() {
	if f.Isolation == "" {
		f.Isolation = IsolationNone
	}
	if f.Engage.Mode == "" {
		f.Engage.Mode = EngageModeInternal
	}
	if f.Engage.MaxTurns == 0 {
		f.Engage.MaxTurns = 25
	}
	if f.Engage.MaxParallelTools <= 0 {
		f.Engage.MaxParallelTools = 4
	}
	if f.Engage.CompactThreshold <= 0 {
		f.Engage.CompactThreshold = 0.75
	}
	if f.Engage.CompactKeepRecent <= 0 {
		f.Engage.CompactKeepRecent = 10
	}
	if f.Engage.CodeExecutionTimeout.Duration == 0 {
		f.Engage.CodeExecutionTimeout = Duration{60 * time.Second}
	}
	if f.Engage.CodeExecutionMemory <= 0 {
		f.Engage.CodeExecutionMemory = 512
	}
	if f.Engage.CodeExecutionCPUs <= 0 {
		f.Engage.CodeExecutionCPUs = 1.0
	}
	if f.Orient.Timeout.Duration == 0 {
		f.Orient.Timeout = Duration{60 * time.Second}
	}
	if f.Consolidate.Timeout.Duration == 0 {
		f.Consolidate.Timeout = Duration{60 * time.Second}
	}
	if f.Recover.Timeout.Duration == 0 {
		f.Recover.Timeout = Duration{30 * time.Second}
	}
	if f.Recover.MaxAttempts <= 0 {
		f.Recover.MaxAttempts = 3
	}
	if f.Awareness.LookbackHours <= 0 {
		f.Awareness.LookbackHours = 24
	}
	if f.Awareness.MaxRunning <= 0 {
		f.Awareness.MaxRunning = 5
	}
	if f.Awareness.MaxRecentCompleted <= 0 {
		f.Awareness.MaxRecentCompleted = 5
	}
	if f.Awareness.MaxRecentFindings <= 0 {
		f.Awareness.MaxRecentFindings = 10
	}
}

// validate rejects definitions the dispatcher could not act on.
func (f *Faculty) validate(path string) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("faculty %s: name must be set", path)
	}
	if f.Engage.Mode != EngageModeInternal && f.Engage.Mode != EngageModeExternal {
		return fmt.Errorf("faculty %s: unknown engage mode %q", f.Name, f.Engage.Mode)
	}
	if f.Engage.Mode == EngageModeExternal && strings.TrimSpace(f.Engage.ExternalCommand) == "" {
		return fmt.Errorf("faculty %s: engage.external_command required when mode=external", f.Name)
	}
	if f.Isolation != IsolationNone && f.Isolation != IsolationWorktree {
		return fmt.Errorf("faculty %s: unknown isolation %q", f.Name, f.Isolation)
	}
	return nil
}

// EffectiveConcurrency resolves a faculty's concurrency cap: 1 when
// concurrent=false, otherwise max_concurrent, defaulting to the global cap.
func (f *Faculty) EffectiveConcurrency(globalCap int) int {
	if !f.Concurrent {
		return 1
	}
	if f.MaxConcurrent > 0 {
		return f.MaxConcurrent
	}
	return globalCap
}

// Registry holds loaded faculties by name. Guarded for hot reload.
type Registry struct {
	mu        sync.RWMutex
	faculties map[string]*Faculty
	logger    *slog.Logger
}

// LoadFaculties reads every *.toml file in dir and builds the registry.
// Unknown keys are tolerated with a warning.
func LoadFaculties(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{faculties: make(map[string]*Faculty), logger: logger}
	if err := r.reload(dir); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("faculty directory missing", "dir", dir)
			return nil
		}
		return fmt.Errorf("read faculty dir %s: %w", dir, err)
	}

	loaded := make(map[string]*Faculty)
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		f, err := loadFacultyFile(path, r.logger)
		if err != nil {
			return err
		}
		if _, dup := loaded[f.Name]; dup {
			return fmt.Errorf("duplicate faculty %q in %s", f.Name, path)
		}
		loaded[f.Name] = f
	}

	r.mu.Lock()
	r.faculties = loaded
	r.mu.Unlock()
	r.logger.Info("faculties loaded", "dir", dir, "count", len(loaded))
	return nil
}

func loadFacultyFile(path string, logger *slog.Logger) (*Faculty, error) {
	var f Faculty
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("parse faculty %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logger.Warn("faculty config has unknown keys", "file", path, "keys", strings.Join(keys, ","))
	}
	f.applyDefaults()
	if err := f.validate(path); err != nil {
		return nil, err
	}
	return &f, nil
}

// Get returns the faculty by name, or nil.
func (r *Registry) Get(name string) *Faculty {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.faculties[name]
}

// Names returns all faculty names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.faculties))
	for name := range r.faculties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every faculty, sorted by name.
func (r *Registry) All() []*Faculty {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Faculty, 0, len(r.faculties))
	for _, f := range r.faculties {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload re-reads the directory, replacing the catalog atomically.
func (r *Registry) Reload(dir string) error {
	return r.reload(dir)
}
