//go:build windows

package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"fleetwatch/internal/shared"
)

// PowerShell emits one compact JSON document decoded by decodeWinSnapshot.
const winSnapshotScript = `
$os = Get-CimInstance Win32_OperatingSystem
$load = (Get-CimInstance Win32_Processor | Measure-Object -Property LoadPercentage -Average).Average
$cs = Get-CimInstance Win32_ComputerSystem
$procs = Get-Process | ForEach-Object {
  [pscustomobject]@{
    pid = $_.Id
    name = $_.ProcessName
    cpu_seconds = [double]$_.CPU
    working_set = [int64]$_.WorkingSet64
  }
}
[pscustomobject]@{
  hostname = $env:COMPUTERNAME
  user = $cs.UserName
  cpu_percent = [double]$load
  logical_cpus = [int]$cs.NumberOfLogicalProcessors
  memory = @{
    total_bytes = [int64]$os.TotalVisibleMemorySize * 1024
    free_bytes  = [int64]$os.FreePhysicalMemory * 1024
  }
  uptime_seconds = [int64]((Get-Date) - $os.LastBootUpTime).TotalSeconds
  processes = $procs
} | ConvertTo-Json -Depth 4 -Compress
`

func defaultCollector(logger *slog.Logger) Collector {
	return &winCollector{logger: logger, tracker: newCPUTracker()}
}

type winCollector struct {
	logger  *slog.Logger
	tracker *cpuTracker
}

func (c *winCollector) Collect(ctx context.Context) (shared.Report, error) {
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-NonInteractive", "-Command", winSnapshotScript)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return shared.Report{}, fmt.Errorf("powershell: %w: %s", err, strings.TrimSpace(errOut.String()))
	}
	snap, err := decodeWinSnapshot(out.Bytes())
	if err != nil {
		return shared.Report{}, err
	}
	return snap.report(c.tracker), nil
}
