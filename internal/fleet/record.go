package fleet

import (
	"slices"
	"strings"
	"time"

	"fleetwatch/internal/shared"
)

// Activity is the derived tri-state shown to operators.
type Activity string

const (
	ActivityIdle     Activity = "idle"
	ActivityBusy     Activity = "busy"
	ActivityInactive Activity = "inactive"
)

// DefaultLivenessTimeout is the silence after which a machine is Inactive.
// It must stay above the agents' report interval.
const DefaultLivenessTimeout = 10 * time.Second

// Label is the console-facing name of the activity.
func (a Activity) Label() string {
	switch a {
	case ActivityBusy:
		return "Busy"
	case ActivityInactive:
		return "Inactive"
	default:
		return "Free"
	}
}

func liveActivity(user string) Activity {
	if user != "" {
		return ActivityBusy
	}
	return ActivityIdle
}

// MachineRecord is the server-side state of one monitored machine.
type MachineRecord struct {
	Address        string
	DisplayName    string
	ActiveUser     string
	CPULoad        float64
	MemLoad        float64
	SessionSeconds int64
	Processes      []shared.ProcessSample
	LastSeen       time.Time
	Activity       Activity
	CreatedAt      time.Time
}

// Clone returns a copy that shares no memory with r.
func (r MachineRecord) Clone() MachineRecord {
	out := r
	if r.Processes != nil {
		out.Processes = slices.Clone(r.Processes)
	}
	return out
}

// DiscoverableUser is the user a lookup may match on: stale records keep
// ActiveUser physically but nobody is considered logged in on them.
func (r MachineRecord) DiscoverableUser() string {
	if r.Activity == ActivityInactive {
		return ""
	}
	return r.ActiveUser
}

// Refresh recomputes Activity from LastSeen at now. A record silent for
// timeout or longer becomes Inactive and loses its transient metrics;
// identity fields and ActiveUser are kept. Refresh is idempotent and does
// not modify rec.
func Refresh(rec MachineRecord, now time.Time, timeout time.Duration) MachineRecord {
	out := rec.Clone()
	if now.Sub(rec.LastSeen) >= timeout {
		out.Activity = ActivityInactive
		out.CPULoad = 0
		out.MemLoad = 0
		out.SessionSeconds = 0
		out.Processes = []shared.ProcessSample{}
		return out
	}
	out.Activity = liveActivity(rec.ActiveUser)
	return out
}

// needsWriteBack reports whether the cached state in stored differs from
// the freshly derived one.
func needsWriteBack(stored, fresh MachineRecord) bool {
	if stored.Activity != fresh.Activity {
		return true
	}
	if fresh.Activity != ActivityInactive {
		return false
	}
	return stored.CPULoad != 0 || stored.MemLoad != 0 ||
		stored.SessionSeconds != 0 || len(stored.Processes) != 0
}

func recordFromReport(rep shared.Report, address string, now, createdAt time.Time) MachineRecord {
	procs := make([]shared.ProcessSample, len(rep.Processes))
	copy(procs, rep.Processes)
	user := strings.TrimSpace(rep.User)
	return MachineRecord{
		Address:        address,
		DisplayName:    strings.TrimSpace(rep.PCName),
		ActiveUser:     user,
		CPULoad:        rep.CPU,
		MemLoad:        rep.RAM,
		SessionSeconds: rep.SessionSeconds,
		Processes:      procs,
		LastSeen:       now,
		Activity:       liveActivity(user),
		CreatedAt:      createdAt,
	}
}
