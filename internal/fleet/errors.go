package fleet

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"fleetwatch/internal/shared"
)

var (
	ErrNotFound    = errors.New("machine not found")
	ErrConflict    = errors.New("machine with this address already exists")
	ErrUnreachable = errors.New("machine did not answer the reachability probe")
)

// ValidationError describes a malformed report or provisioning request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidateReport checks a report received from the network before it may
// touch the registry.
func ValidateReport(rep shared.Report) error {
	if normalizeAddress(rep.IP) == "" {
		return invalid("ip", "required")
	}
	if strings.ContainsAny(normalizeAddress(rep.IP), " \t\r\n/") {
		return invalid("ip", "must be a bare host address")
	}
	if err := checkLoad("cpu", rep.CPU); err != nil {
		return err
	}
	if err := checkLoad("ram", rep.RAM); err != nil {
		return err
	}
	if rep.SessionSeconds < 0 {
		return invalid("session_seconds", "must not be negative")
	}
	for i, p := range rep.Processes {
		if p.PID < 0 {
			return invalid(fmt.Sprintf("processes[%d].pid", i), "must not be negative")
		}
		if err := checkLoad(fmt.Sprintf("processes[%d].cpu", i), p.CPU); err != nil {
			return err
		}
		if err := checkLoad(fmt.Sprintf("processes[%d].ram", i), p.RAM); err != nil {
			return err
		}
	}
	return nil
}

func checkLoad(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	if v < 0 {
		return invalid(field, "must not be negative")
	}
	return nil
}

func normalizeAddress(addr string) string {
	return strings.TrimSpace(addr)
}
