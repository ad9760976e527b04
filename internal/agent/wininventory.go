package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/shared"
)

// winSnapshot mirrors the JSON written by the Windows collector script.
type winSnapshot struct {
	Hostname    string  `json:"hostname"`
	User        string  `json:"user"`
	CPUPercent  float64 `json:"cpu_percent"`
	LogicalCPUs int     `json:"logical_cpus"`
	Memory      struct {
		TotalBytes int64 `json:"total_bytes"`
		FreeBytes  int64 `json:"free_bytes"`
	} `json:"memory"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Processes     winProcesses `json:"processes"`
}

type winProcess struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	CPUSeconds float64 `json:"cpu_seconds"`
	WorkingSet int64   `json:"working_set"`
}

// winProcesses accepts a single object as well as an array, since
// ConvertTo-Json collapses one-element arrays.
type winProcesses []winProcess

func (p *winProcesses) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*p = nil
		return nil
	case strings.HasPrefix(s, "{"):
		var one winProcess
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*p = winProcesses{one}
		return nil
	default:
		var many []winProcess
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*p = many
		return nil
	}
}

func decodeWinSnapshot(b []byte) (winSnapshot, error) {
	var s winSnapshot
	b = []byte(strings.TrimSpace(strings.TrimPrefix(string(b), "\ufeff")))
	if len(b) == 0 {
		return s, errors.New("empty collector output")
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode collector output: %w", err)
	}
	return s, nil
}

// cpuTracker turns cumulative per-process CPU seconds into a percentage
// over the time since the previous snapshot.
type cpuTracker struct {
	mu   sync.Mutex
	now  func() time.Time
	at   time.Time
	prev map[int]float64
}

func newCPUTracker() *cpuTracker {
	return &cpuTracker{now: time.Now, prev: map[int]float64{}}
}

func (s winSnapshot) report(tr *cpuTracker) shared.Report {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := tr.now()
	elapsed := now.Sub(tr.at).Seconds()
	first := tr.at.IsZero()
	next := make(map[int]float64, len(s.Processes))

	rep := shared.Report{
		PCName:         s.Hostname,
		User:           stripDomain(s.User),
		CPU:            clampPercent(s.CPUPercent),
		SessionSeconds: max(s.UptimeSeconds, 0),
		Processes:      make([]shared.ProcessSample, 0, len(s.Processes)),
	}
	if s.Memory.TotalBytes > 0 {
		rep.RAM = clampPercent(float64(s.Memory.TotalBytes-s.Memory.FreeBytes) / float64(s.Memory.TotalBytes) * 100)
	}
	for _, p := range s.Processes {
		next[p.PID] = p.CPUSeconds
		sample := shared.ProcessSample{PID: p.PID, Name: p.Name}
		if old, ok := tr.prev[p.PID]; ok && !first && elapsed > 0 && p.CPUSeconds >= old {
			sample.CPU = round2((p.CPUSeconds - old) / elapsed * 100)
		}
		if s.Memory.TotalBytes > 0 && p.WorkingSet > 0 {
			sample.RAM = round2(float64(p.WorkingSet) / float64(s.Memory.TotalBytes) * 100)
		}
		rep.Processes = append(rep.Processes, sample)
	}
	tr.prev = next
	tr.at = now
	return rep
}

func stripDomain(name string) string {
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	return name
}
