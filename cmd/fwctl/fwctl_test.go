package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetwatch/internal/clock"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/server"
	"fleetwatch/internal/shared"
)

type upProber struct{}

func (upProber) Probe(context.Context, string) bool { return true }

func newTestServer(t *testing.T) (*httptest.Server, *fleet.Registry) {
	t.Helper()
	reg := fleet.NewRegistry(fleet.NewMemoryStore(),
		fleet.WithClock(clock.Fake(time.Now())),
		fleet.WithProber(upProber{}),
	)
	api := &server.API{Registry: reg, Accounts: server.NewMemoryAccountStore()}
	srv := httptest.NewServer(api.Routes(nil, nil))
	t.Cleanup(srv.Close)
	return srv, reg
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMachinesListAndShow(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := context.Background()
	if _, err := reg.Upsert(ctx, shared.Report{PCName: "lab-1", IP: "10.0.0.1", User: "alice", CPU: 12.5,
		Processes: []shared.ProcessSample{{PID: 7, Name: "firefox", CPU: 9}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Upsert(ctx, shared.Report{PCName: "lab-2", IP: "10.0.0.2"}); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "--server", srv.URL, "machines", "list")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ADDRESS") {
		t.Fatalf("list output:\n%s", out)
	}
	if !strings.Contains(lines[1], "10.0.0.1") || !strings.Contains(lines[1], "alice") || !strings.Contains(lines[1], "Busy") {
		t.Errorf("first row = %q", lines[1])
	}
	if !strings.Contains(lines[2], "Free") || !strings.Contains(lines[2], server.NoUser) {
		t.Errorf("second row = %q", lines[2])
	}

	out, err = runCmd(t, "--server", srv.URL, "machines", "show", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "lab-1") || !strings.Contains(out, "firefox") {
		t.Errorf("show output:\n%s", out)
	}

	if _, err := runCmd(t, "--server", srv.URL, "machines", "show", "10.9.9.9"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("show unknown err = %v", err)
	}
}

func TestMachinesAdd(t *testing.T) {
	srv, reg := newTestServer(t)

	out, err := runCmd(t, "--server", srv.URL, "machines", "add", "--name", "lab-9", "--ip", "10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "added 10.0.0.9") {
		t.Errorf("output = %q", out)
	}
	if ok, _ := reg.Exists(context.Background(), "10.0.0.9"); !ok {
		t.Fatal("machine not provisioned")
	}

	_, err = runCmd(t, "--server", srv.URL, "machines", "add", "--name", "again", "--ip", "10.0.0.9")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("duplicate err = %v", err)
	}

	out, err = runCmd(t, "--server", srv.URL, "--json", "machines", "add", "--name", "x", "--ip", "10.0.0.9")
	if err == nil || !strings.Contains(out, `"status": "fail"`) {
		t.Fatalf("json duplicate = %q, %v", out, err)
	}

	if _, err := runCmd(t, "--server", srv.URL, "machines", "add", "--name", "no-ip"); err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestUserShow(t *testing.T) {
	srv, reg := newTestServer(t)
	if _, err := reg.Upsert(context.Background(), shared.Report{PCName: "lab-3", IP: "10.0.0.3", User: "bob", SessionSeconds: 90}); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "--server", srv.URL, "user", "show", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bob is on lab-3 (10.0.0.3)") || !strings.Contains(out, "1m30s") {
		t.Errorf("output = %q", out)
	}

	_, err = runCmd(t, "--server", srv.URL, "user", "show", "carol")
	if err == nil || !strings.Contains(err.Error(), "not active") {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestAccountsCreate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fw.db")

	out, err := runCmd(t, "accounts", "create", "--db", db, "--login", "ops", "--password", "pw", "--role", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `created admin account "ops"`) {
		t.Errorf("output = %q", out)
	}
	if _, err := runCmd(t, "accounts", "create", "--db", db, "--login", "ops", "--password", "pw"); err == nil ||
		!strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate err = %v", err)
	}

	conn, err := server.OpenDB(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	acc, ok, err := server.Authenticate(context.Background(), server.NewSQLiteStore(conn), "ops", "pw")
	if err != nil || !ok || acc.Role != server.RoleAdmin {
		t.Fatalf("Authenticate = %+v, %v, %v", acc, ok, err)
	}
}

func TestCallDecodesServerReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":"fail","reason":"machine is unreachable"}`))
	}))
	defer srv.Close()

	var resp shared.AddMachineResponse
	err := call(context.Background(), srv.URL, "POST", "/admin/add_pc", shared.AddMachineRequest{}, &resp)
	if err == nil || !strings.Contains(err.Error(), "422: machine is unreachable") {
		t.Fatalf("err = %v", err)
	}
	if resp.Status != "fail" {
		t.Fatalf("resp = %+v", resp)
	}
}
