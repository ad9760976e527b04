//go:build linux

package agent

import "log/slog"

func defaultCollector(logger *slog.Logger) Collector {
	return NewProcCollector(logger)
}
