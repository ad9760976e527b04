package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
	"fleetwatch/internal/telemetry"
)

// Observer receives request outcome counters; *metrics.Metrics implements it.
type Observer interface {
	ObserveReport(transport, result string)
	ObserveProvision(result string)
}

type noopObserver struct{}

func (noopObserver) ObserveReport(string, string) {}
func (noopObserver) ObserveProvision(string)      {}

type API struct {
	Registry *fleet.Registry
	Accounts AccountStore
	Observer Observer
	Logger   *slog.Logger
}

func (a *API) observer() Observer {
	if a.Observer == nil {
		return noopObserver{}
	}
	return a.Observer
}

func (a *API) logger(r *http.Request) *slog.Logger {
	l := a.Logger
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	if id := requestID(r.Context()); id != "" {
		l = l.With("request_id", id)
	}
	return l
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, shared.ErrorResponse{Error: msg})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 2<<20))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := readBody(r)
	if err != nil {
		writeError(w, 400, "bad body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, 400, "bad json")
		return false
	}
	return true
}

// Report ingests one agent report.
func (a *API) Report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, 405, "method not allowed")
		return
	}
	var rep shared.Report
	if !decodeBody(w, r, &rep) {
		a.observer().ObserveReport("http", "invalid")
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "registry.upsert")
	span.SetAttributes(attribute.String("machine.address", rep.IP))
	_, err := a.Registry.Upsert(ctx, rep)
	span.End()

	var verr *fleet.ValidationError
	switch {
	case err == nil:
		a.observer().ObserveReport("http", "ok")
		writeJSON(w, 200, shared.ReportAck{Status: "ok"})
	case errors.As(err, &verr):
		a.observer().ObserveReport("http", "invalid")
		writeError(w, 400, verr.Error())
	default:
		a.observer().ObserveReport("http", "error")
		a.logger(r).Error("report failed", "address", rep.IP, "error", err)
		writeError(w, 500, "storage error")
	}
}

// ListMachines is the fleet overview.
func (a *API) ListMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, 405, "method not allowed")
		return
	}
	recs, err := a.Registry.List(r.Context())
	if err != nil {
		a.logger(r).Error("list machines failed", "error", err)
		writeError(w, 500, "storage error")
		return
	}
	out := make([]FleetEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fleetEntry(rec))
	}
	writeJSON(w, 200, out)
}

// MachineDetail serves GET /admin/pc/{id}; the id is the machine address.
func (a *API) MachineDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, 405, "method not allowed")
		return
	}
	rec, err := a.Registry.Get(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, 200, machineDetail(rec))
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, 404, err.Error())
	default:
		a.logger(r).Error("get machine failed", "address", r.PathValue("id"), "error", err)
		writeError(w, 500, "storage error")
	}
}

// UserSession serves GET /user/{username}.
func (a *API) UserSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, 405, "method not allowed")
		return
	}
	rec, err := a.Registry.FindByUser(r.Context(), r.PathValue("username"))
	switch {
	case err == nil:
		writeJSON(w, 200, userSession(rec))
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, 404, "user not found")
	default:
		a.logger(r).Error("user lookup failed", "error", err)
		writeError(w, 500, "storage error")
	}
}

// AddMachine provisions a machine ahead of its first report.
func (a *API) AddMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, 405, "method not allowed")
		return
	}
	var req shared.AddMachineRequest
	if !decodeBody(w, r, &req) {
		a.observer().ObserveProvision("invalid")
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "registry.provision")
	span.SetAttributes(attribute.String("machine.address", strings.TrimSpace(req.IP)))
	rec, err := a.Registry.Provision(ctx, req.PCName, req.IP)
	span.End()

	reachable := true
	unreachable := false
	var verr *fleet.ValidationError
	switch {
	case err == nil:
		a.observer().ObserveProvision("ok")
		a.logger(r).Info("machine added", "address", rec.Address, "name", rec.DisplayName)
		writeJSON(w, 200, shared.AddMachineResponse{Status: "ok", Reachable: &reachable, Message: "machine added"})
	case errors.As(err, &verr):
		a.observer().ObserveProvision("invalid")
		writeJSON(w, 400, shared.AddMachineResponse{Status: "fail", Reason: verr.Error()})
	case errors.Is(err, fleet.ErrConflict):
		a.observer().ObserveProvision("conflict")
		writeJSON(w, 409, shared.AddMachineResponse{Status: "fail", Reason: err.Error()})
	case errors.Is(err, fleet.ErrUnreachable):
		a.observer().ObserveProvision("unreachable")
		writeJSON(w, 422, shared.AddMachineResponse{Status: "fail", Reachable: &unreachable, Reason: err.Error()})
	default:
		a.observer().ObserveProvision("error")
		a.logger(r).Error("provision failed", "address", req.IP, "error", err)
		writeError(w, 500, "storage error")
	}
}

// Auth checks console credentials.
func (a *API) Auth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, 405, "method not allowed")
		return
	}
	var req shared.AuthRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acc, ok, err := Authenticate(r.Context(), a.Accounts, req.Login, req.Password)
	if err != nil {
		a.logger(r).Error("auth lookup failed", "error", err)
		writeError(w, 500, "storage error")
		return
	}
	if !ok {
		a.logger(r).Info("login failed", "login", req.Login)
		writeJSON(w, 200, shared.AuthResponse{Status: "fail"})
		return
	}
	writeJSON(w, 200, shared.AuthResponse{Status: "ok", Login: acc.Login, Role: acc.Role})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"status": "ok"})
}

// Routes returns the full HTTP surface wrapped in the standard middleware.
// metrics may be nil when /metrics is served elsewhere.
func (a *API) Routes(metrics http.Handler, rec RequestObserver) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/report", a.Report)
	mux.HandleFunc("/admin/pcs", a.ListMachines)
	mux.HandleFunc("/admin/pc/{id}", a.MachineDetail)
	mux.HandleFunc("/admin/add_pc", a.AddMachine)
	mux.HandleFunc("/user/{username}", a.UserSession)
	mux.HandleFunc("/auth", a.Auth)
	mux.HandleFunc("/healthz", a.Healthz)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return withRequestID(withCORS(withObservability(mux, rec)))
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
