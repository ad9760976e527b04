//go:build !linux && !windows

package agent

import "log/slog"

func defaultCollector(logger *slog.Logger) Collector {
	logger.Warn("no metrics source on this platform; reporting identity only")
	return identityCollector{}
}
