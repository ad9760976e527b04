package server

import (
	"time"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

// NoUser is shown in place of the user of an idle or inactive machine.
const NoUser = "–"

type FleetEntry struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	IP       string  `json:"ip"`
	CPU      float64 `json:"cpu"`
	RAM      float64 `json:"ram"`
	Status   string  `json:"status"`
	User     string  `json:"user"`
	LastSeen int64   `json:"last_seen"`
}

type MachineDetail struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	IP             string                 `json:"ip"`
	CPU            float64                `json:"cpu"`
	RAM            float64                `json:"ram"`
	Status         string                 `json:"status"`
	User           string                 `json:"user"`
	SessionSeconds int64                  `json:"session_seconds"`
	Processes      []shared.ProcessSample `json:"processes"`
	LastSeen       time.Time              `json:"last_seen"`
	CreatedAt      time.Time              `json:"created_at"`
}

type UserSession struct {
	CPU            float64 `json:"cpu"`
	RAM            float64 `json:"ram"`
	SessionSeconds int64   `json:"session_seconds"`
	Name           string  `json:"pc_name"`
	IP             string  `json:"ip"`
}

func displayUser(rec fleet.MachineRecord) string {
	if u := rec.DiscoverableUser(); u != "" {
		return u
	}
	return NoUser
}

func fleetEntry(rec fleet.MachineRecord) FleetEntry {
	return FleetEntry{
		ID:       rec.Address,
		Name:     rec.DisplayName,
		IP:       rec.Address,
		CPU:      rec.CPULoad,
		RAM:      rec.MemLoad,
		Status:   rec.Activity.Label(),
		User:     displayUser(rec),
		LastSeen: rec.LastSeen.Unix(),
	}
}

func machineDetail(rec fleet.MachineRecord) MachineDetail {
	procs := rec.Processes
	if procs == nil {
		procs = []shared.ProcessSample{}
	}
	return MachineDetail{
		ID:             rec.Address,
		Name:           rec.DisplayName,
		IP:             rec.Address,
		CPU:            rec.CPULoad,
		RAM:            rec.MemLoad,
		Status:         rec.Activity.Label(),
		User:           displayUser(rec),
		SessionSeconds: rec.SessionSeconds,
		Processes:      procs,
		LastSeen:       rec.LastSeen.UTC(),
		CreatedAt:      rec.CreatedAt.UTC(),
	}
}

func userSession(rec fleet.MachineRecord) UserSession {
	return UserSession{
		CPU:            rec.CPULoad,
		RAM:            rec.MemLoad,
		SessionSeconds: rec.SessionSeconds,
		Name:           rec.DisplayName,
		IP:             rec.Address,
	}
}
