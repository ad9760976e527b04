package shared

// ProcessSample is one entry of an agent's process listing.
type ProcessSample struct {
	PID  int     `json:"pid"`
	Name string  `json:"name"`
	CPU  float64 `json:"cpu"`
	RAM  float64 `json:"ram"`
}

// Report is the snapshot an agent pushes on every interval. An empty User
// means nobody is logged in interactively.
type Report struct {
	PCName         string          `json:"pc_name"`
	IP             string          `json:"ip"`
	User           string          `json:"user"`
	CPU            float64         `json:"cpu"`
	RAM            float64         `json:"ram"`
	SessionSeconds int64           `json:"session_seconds"`
	Processes      []ProcessSample `json:"processes"`
}

type ReportAck struct {
	Status string `json:"status"`
}

// AddMachineRequest is posted by the console. The console also sends a
// numeric pc_id which the server ignores; the address is the key.
type AddMachineRequest struct {
	PCName string `json:"pc_name"`
	IP     string `json:"ip"`
}

type AddMachineResponse struct {
	Status    string `json:"status"` // "ok" | "fail"
	Reachable *bool  `json:"reachable,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

type AuthRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Status string `json:"status"` // "ok" | "fail"
	Login  string `json:"login,omitempty"`
	Role   string `json:"role,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
