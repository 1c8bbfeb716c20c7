package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Statistics summarizes the registry at a point in time. TotalMemoryBytes is
// the summed resident set size of running members, best-effort: processes
// that disappear mid-walk simply contribute nothing.
type Statistics struct {
	Total            int
	Running          int
	Exited           int
	TotalMemoryBytes uint64
	AverageRuntime   time.Duration
}

// Stats aggregates liveness, memory and runtime over a registry snapshot.
func (s *Supervisor) Stats() Statistics {
	entries := s.registry.snapshot()
	st := Statistics{Total: len(entries)}
	var runtimes time.Duration
	for _, e := range entries {
		snap := e.snapshot()
		runtimes += snap.Runtime
		if !snap.Running {
			st.Exited++
			continue
		}
		st.Running++
		if rss, err := residentBytes(e.pid); err == nil {
			st.TotalMemoryBytes += rss
		}
	}
	if st.Total > 0 {
		st.AverageRuntime = runtimes / time.Duration(st.Total)
	}
	return st
}

func residentBytes(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, nil
	}
	return info.RSS, nil
}
