package supervisor

import "path/filepath"

// LaunchSpec describes one child process to spawn. Command is the argv with
// the executable first; Env entries are appended to the parent environment.
// Start copies the value, so callers may reuse or mutate it afterwards.
type LaunchSpec struct {
	Name       string
	Command    []string
	WorkingDir string
	Env        map[string]string
}

func (s LaunchSpec) clone() LaunchSpec {
	out := LaunchSpec{
		Name:       s.Name,
		WorkingDir: s.WorkingDir,
	}
	if len(s.Command) > 0 {
		out.Command = append([]string(nil), s.Command...)
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = v
		}
	}
	return out
}

// displayName is the label used in events and logs. It falls back to the
// executable's base name when no explicit name was given.
func (s LaunchSpec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Command) > 0 {
		return filepath.Base(s.Command[0])
	}
	return ""
}
