package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// File mirrors the warden.yaml document structure.
type File struct {
	Version    string                  `yaml:"version"`
	Supervisor SupervisorSpec          `yaml:"supervisor"`
	Logging    LoggingSpec             `yaml:"logging"`
	API        APISpec                 `yaml:"api"`
	Processes  map[string]*ProcessSpec `yaml:"processes"`
}

// SupervisorSpec configures registry limits and the termination protocol.
// Boolean pointers distinguish "absent" from an explicit false so that
// defaults which are true can still be switched off.
type SupervisorSpec struct {
	MaxProcesses       int      `yaml:"maxProcesses"`
	GracefulTimeout    Duration `yaml:"gracefulTimeout"`
	ForceKillOnTimeout *bool    `yaml:"forceKillOnTimeout"`
	ReapInterval       Duration `yaml:"reapInterval"`
	AutoReap           *bool    `yaml:"autoReap"`
	UseProcessGroups   *bool    `yaml:"useProcessGroups"`
	StrictErrors       bool     `yaml:"strictErrors"`
}

// LoggingSpec configures the zap logger. An empty directory keeps logging on
// the console only; MaxFileSize is in MiB.
type LoggingSpec struct {
	Level       string `yaml:"level"`
	Directory   string `yaml:"directory"`
	MaxFileSize int    `yaml:"maxFileSize"`
	MaxBackups  int    `yaml:"maxBackups"`
	MaxAgeDays  int    `yaml:"maxAgeDays"`
	Compress    bool   `yaml:"compress"`
}

// APISpec configures the HTTP control API.
type APISpec struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ProcessSpec describes one helper process launched by `warden up`. Command
// is a single shell-like line split with shlex; Argv is the pre-split form
// and wins when both are given.
type ProcessSpec struct {
	Command string            `yaml:"command"`
	Argv    []string          `yaml:"argv"`
	Workdir string            `yaml:"workdir"`
	Env     map[string]string `yaml:"env"`

	// ResolvedWorkdir is Workdir made absolute against the config file's
	// directory at load time.
	ResolvedWorkdir string `yaml:"-"`
}

// CommandLine resolves the argv to spawn: Argv verbatim when present,
// otherwise the shlex-split Command.
func (p *ProcessSpec) CommandLine() ([]string, error) {
	if len(p.Argv) > 0 {
		return append([]string(nil), p.Argv...), nil
	}
	argv, err := shlex.Split(p.Command)
	if err != nil {
		return nil, fmt.Errorf("split command %q: %w", p.Command, err)
	}
	return argv, nil
}

// Clone creates a deep copy of the process spec.
func (p *ProcessSpec) Clone() *ProcessSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Argv != nil {
		cp.Argv = append([]string(nil), p.Argv...)
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

const (
	defaultMaxProcesses    = 64
	defaultGracefulTimeout = 5 * time.Second
	defaultReapInterval    = 30 * time.Second
	defaultLogLevel        = "info"
	defaultLogMaxFileSize  = 64
	defaultLogMaxBackups   = 5
	defaultLogMaxAgeDays   = 14
	defaultAPIAddr         = "127.0.0.1:7667"
)

// ApplyDefaults fills unset fields with package defaults.
func (f *File) ApplyDefaults() error {
	if f.Supervisor.MaxProcesses == 0 {
		f.Supervisor.MaxProcesses = defaultMaxProcesses
	}
	if !f.Supervisor.GracefulTimeout.IsSet() {
		f.Supervisor.GracefulTimeout = Duration{Duration: defaultGracefulTimeout}
	}
	if !f.Supervisor.ReapInterval.IsSet() {
		f.Supervisor.ReapInterval = Duration{Duration: defaultReapInterval}
	}
	if f.Supervisor.ForceKillOnTimeout == nil {
		f.Supervisor.ForceKillOnTimeout = boolPtr(true)
	}
	if f.Supervisor.AutoReap == nil {
		f.Supervisor.AutoReap = boolPtr(true)
	}
	if f.Supervisor.UseProcessGroups == nil {
		f.Supervisor.UseProcessGroups = boolPtr(true)
	}
	if f.Logging.Level == "" {
		f.Logging.Level = defaultLogLevel
	}
	if f.Logging.MaxFileSize == 0 {
		f.Logging.MaxFileSize = defaultLogMaxFileSize
	}
	if f.Logging.MaxBackups == 0 {
		f.Logging.MaxBackups = defaultLogMaxBackups
	}
	if f.Logging.MaxAgeDays == 0 {
		f.Logging.MaxAgeDays = defaultLogMaxAgeDays
	}
	if f.API.Addr == "" {
		f.API.Addr = defaultAPIAddr
	}
	return nil
}

// Validate enforces document invariants.
func (f *File) Validate() error {
	if f.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if f.Version != "1" {
		return fmt.Errorf("%s: unsupported version %q (supported: 1)", fieldPath("version"), f.Version)
	}
	if f.Supervisor.MaxProcesses < 1 {
		return fmt.Errorf("%s: must be at least 1", fieldPath("supervisor", "maxProcesses"))
	}
	if f.Supervisor.GracefulTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("supervisor", "gracefulTimeout"))
	}
	if f.Supervisor.ReapInterval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("supervisor", "reapInterval"))
	}
	switch f.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s: invalid level %q (expected one of: debug, info, warn, error)", fieldPath("logging", "level"), f.Logging.Level)
	}
	if f.Logging.MaxFileSize < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("logging", "maxFileSize"))
	}
	if f.Logging.MaxBackups < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("logging", "maxBackups"))
	}
	if f.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("logging", "maxAgeDays"))
	}
	if f.API.Addr != "" {
		if _, _, err := net.SplitHostPort(f.API.Addr); err != nil {
			return fmt.Errorf("%s: invalid listen address %q: %w", fieldPath("api", "addr"), f.API.Addr, err)
		}
	}
	if len(f.Processes) > f.Supervisor.MaxProcesses {
		return fmt.Errorf("%s: defines %d processes but %s is %d",
			fieldPath("processes"), len(f.Processes), fieldPath("supervisor", "maxProcesses"), f.Supervisor.MaxProcesses)
	}
	for name, proc := range f.Processes {
		if proc == nil {
			return fmt.Errorf("%s: is null", processField(name))
		}
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: process name must be non-empty", fieldPath("processes"))
		}
		if len(proc.Argv) == 0 && strings.TrimSpace(proc.Command) == "" {
			return fmt.Errorf("%s: either command or argv is required", processField(name))
		}
		argv, err := proc.CommandLine()
		if err != nil {
			return fmt.Errorf("%s: %w", processField(name, "command"), err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("%s: resolves to an empty command line", processField(name, "command"))
		}
		for key := range proc.Env {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("%s: env key must be non-empty", processField(name, "env"))
			}
		}
	}
	return nil
}

// ProcessesSorted returns process names sorted alphabetically.
func (f *File) ProcessesSorted() []string {
	out := make([]string, 0, len(f.Processes))
	for name := range f.Processes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func boolPtr(v bool) *bool { return &v }

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func processField(name string, parts ...string) string {
	pathParts := append([]string{"processes", name}, parts...)
	return fieldPath(pathParts...)
}
