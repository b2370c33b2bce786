package process

import (
	"fmt"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Stats is a resource sample of a running process.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent" doc:"CPU usage since the process started"`
	MemPercent float64 `json:"mem_percent" doc:"Share of system memory in use"`
	RSSBytes   uint64  `json:"rss_bytes" doc:"Resident set size"`
}

// Alive reports whether pid names a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == psprocess.Zombie {
			return false
		}
	}
	return true
}

// StatsFor samples CPU and memory usage of pid.
func StatsFor(pid int) (Stats, error) {
	proc, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	var s Stats
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
	}
	if memP, err := proc.MemoryPercent(); err == nil {
		s.MemPercent = float64(memP)
	}
	return s, nil
}

// Stats samples the resource usage of the running subprocess.
func (p *Process) Stats() (Stats, error) {
	pid := p.PID()
	if pid == 0 {
		return Stats{}, fmt.Errorf("process %s not started", p.id)
	}
	return StatsFor(pid)
}
