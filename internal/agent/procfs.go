package agent

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/shared"
)

// ProcCollector reads a Linux procfs tree. CPU figures are deltas between
// consecutive calls; the first call samples twice, Window apart.
type ProcCollector struct {
	Root     string // usually /proc
	UtmpPath string // usually /var/run/utmp
	Window   time.Duration
	PageSize int64
	Logger   *slog.Logger

	mu       sync.Mutex
	prev     *procSample
	fallback func() string
}

type cpuTimes struct {
	total, idle uint64
}

type procStat struct {
	pid      int
	name     string
	ticks    uint64
	rssPages int64
}

type procSample struct {
	cpu   cpuTimes
	ncpu  int
	procs map[int]procStat
}

func NewProcCollector(logger *slog.Logger) *ProcCollector {
	return &ProcCollector{
		Root:     "/proc",
		UtmpPath: "/var/run/utmp",
		Window:   500 * time.Millisecond,
		PageSize: int64(os.Getpagesize()),
		Logger:   logger,
	}
}

func (c *ProcCollector) Collect(ctx context.Context) (shared.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.prev
	if prev == nil {
		first, err := c.sample()
		if err != nil {
			return shared.Report{}, err
		}
		if c.Window > 0 {
			t := time.NewTimer(c.Window)
			select {
			case <-ctx.Done():
				t.Stop()
				return shared.Report{}, ctx.Err()
			case <-t.C:
			}
		}
		prev = first
	}
	cur, err := c.sample()
	if err != nil {
		return shared.Report{}, err
	}
	c.prev = cur

	memPct, memTotal, err := readMemInfo(c.Root)
	if err != nil {
		return shared.Report{}, err
	}
	uptime, err := readUptime(c.Root)
	if err != nil {
		return shared.Report{}, err
	}

	rep := shared.Report{
		User:           c.interactiveUser(),
		CPU:            cpuPercent(prev.cpu, cur.cpu),
		RAM:            memPct,
		SessionSeconds: uptime,
		Processes:      make([]shared.ProcessSample, 0, len(cur.procs)),
	}
	totalDelta := float64(cur.cpu.total - prev.cpu.total)
	for _, p := range sortedProcs(cur.procs) {
		s := shared.ProcessSample{PID: p.pid, Name: p.name}
		if old, ok := prev.procs[p.pid]; ok && totalDelta > 0 && p.ticks >= old.ticks {
			// per-core scale, so a busy multithreaded process can exceed 100
			s.CPU = round2(float64(p.ticks-old.ticks) / totalDelta * 100 * float64(cur.ncpu))
		}
		if memTotal > 0 {
			s.RAM = round2(float64(p.rssPages*c.PageSize) / float64(memTotal) * 100)
		}
		rep.Processes = append(rep.Processes, s)
	}
	return rep, nil
}

func (c *ProcCollector) sample() (*procSample, error) {
	cpu, ncpu, err := readCPUTimes(c.Root)
	if err != nil {
		return nil, err
	}
	procs, err := readProcesses(c.Root)
	if err != nil {
		return nil, err
	}
	return &procSample{cpu: cpu, ncpu: ncpu, procs: procs}, nil
}

// interactiveUser prefers the first login session in utmp, so an agent
// running as a service does not report its own account.
func (c *ProcCollector) interactiveUser() string {
	if c.UtmpPath != "" {
		name, err := readUtmpUser(c.UtmpPath)
		if err == nil {
			return name
		}
		if !errors.Is(err, os.ErrNotExist) && c.Logger != nil {
			c.Logger.Debug("utmp unreadable", "path", c.UtmpPath, "error", err)
		}
	}
	if c.fallback != nil {
		return c.fallback()
	}
	return currentUser()
}

func cpuPercent(prev, cur cpuTimes) float64 {
	if cur.total <= prev.total {
		return 0
	}
	total := float64(cur.total - prev.total)
	idle := float64(cur.idle - prev.idle)
	if cur.idle < prev.idle {
		idle = 0
	}
	return clampPercent((total - idle) / total * 100)
}

// readCPUTimes parses the aggregate cpu line of /proc/stat and counts the
// per-cpu lines.
func readCPUTimes(root string) (cpuTimes, int, error) {
	f, err := os.Open(filepath.Join(root, "stat"))
	if err != nil {
		return cpuTimes{}, 0, err
	}
	defer f.Close()

	var (
		out   cpuTimes
		found bool
		ncpu  int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		if fields[0] != "cpu" {
			ncpu++
			continue
		}
		if len(fields) < 5 {
			return cpuTimes{}, 0, fmt.Errorf("short cpu line in %s/stat", root)
		}
		for i, v := range fields[1:] {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return cpuTimes{}, 0, fmt.Errorf("parse cpu field %d: %w", i, err)
			}
			// guest and guest_nice are already part of user and nice
			if i >= 8 {
				break
			}
			out.total += n
			// idle + iowait
			if i == 3 || i == 4 {
				out.idle += n
			}
		}
		found = true
	}
	if err := sc.Err(); err != nil {
		return cpuTimes{}, 0, err
	}
	if !found {
		return cpuTimes{}, 0, fmt.Errorf("no cpu line in %s/stat", root)
	}
	return out, max(ncpu, 1), nil
}

// readMemInfo returns used memory as a percentage and MemTotal in bytes.
func readMemInfo(root string) (float64, int64, error) {
	b, err := os.ReadFile(filepath.Join(root, "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	vals := map[string]int64{}
	for _, line := range strings.Split(string(b), "\n") {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	total := vals["MemTotal"]
	if total <= 0 {
		return 0, 0, fmt.Errorf("no MemTotal in %s/meminfo", root)
	}
	avail, ok := vals["MemAvailable"]
	if !ok {
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	return clampPercent(float64(total-avail) / float64(total) * 100), total, nil
}

func readUptime(root string) (int64, error) {
	b, err := os.ReadFile(filepath.Join(root, "uptime"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty %s/uptime", root)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return int64(secs), nil
}

// readProcesses scans the numeric entries of root. Processes that exit
// mid-scan are skipped.
func readProcesses(root string) (map[int]procStat, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := make(map[int]procStat, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		stat, err := os.ReadFile(filepath.Join(root, e.Name(), "stat"))
		if err != nil {
			continue
		}
		p, err := parseProcStat(string(stat))
		if err != nil {
			continue
		}
		p.pid = pid
		if statm, err := os.ReadFile(filepath.Join(root, e.Name(), "statm")); err == nil {
			if f := strings.Fields(string(statm)); len(f) >= 2 {
				p.rssPages, _ = strconv.ParseInt(f[1], 10, 64)
			}
		}
		out[pid] = p
	}
	return out, nil
}

// parseProcStat reads comm and utime+stime from a /proc/<pid>/stat line.
// comm may itself contain spaces and parentheses.
func parseProcStat(line string) (procStat, error) {
	open := strings.IndexByte(line, '(')
	closing := strings.LastIndexByte(line, ')')
	if open < 0 || closing < open {
		return procStat{}, errors.New("malformed stat line")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line[:open]))
	if err != nil {
		return procStat{}, fmt.Errorf("parse pid: %w", err)
	}
	// fields after comm start at state (field 3); utime and stime are 14 and 15
	rest := strings.Fields(line[closing+1:])
	if len(rest) < 13 {
		return procStat{}, errors.New("short stat line")
	}
	utime, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse stime: %w", err)
	}
	return procStat{pid: pid, name: line[open+1 : closing], ticks: utime + stime}, nil
}

func sortedProcs(m map[int]procStat) []procStat {
	out := make([]procStat, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b procStat) int { return cmp.Compare(a.pid, b.pid) })
	return out
}

// glibc x86_64/arm64 utmp layout
const (
	utmpRecordSize  = 384
	utmpUserOffset  = 44
	utmpUserSize    = 32
	utmpUserProcess = 7
)

// readUtmpUser returns the user of the first USER_PROCESS entry, or "" when
// nobody is logged in.
func readUtmpUser(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(b)%utmpRecordSize != 0 {
		return "", fmt.Errorf("%s: size %d is not a multiple of %d", path, len(b), utmpRecordSize)
	}
	for off := 0; off+utmpRecordSize <= len(b); off += utmpRecordSize {
		rec := b[off : off+utmpRecordSize]
		if int16(binary.LittleEndian.Uint16(rec[0:2])) != utmpUserProcess {
			continue
		}
		name := rec[utmpUserOffset : utmpUserOffset+utmpUserSize]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if len(name) > 0 {
			return string(name), nil
		}
	}
	return "", nil
}
