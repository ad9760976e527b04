package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"fleetwatch/internal/clock"
	"fleetwatch/internal/fleet"
	"fleetwatch/internal/shared"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveReport(transport, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[transport+"/"+result]++
}

func (o *countingObserver) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

type brokenReporter struct{}

func (brokenReporter) Upsert(context.Context, shared.Report) (fleet.MachineRecord, error) {
	return fleet.MachineRecord{}, errors.New("database is locked")
}

func startServer(t *testing.T, reg Reporter, obs Observer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(slog.New(slog.DiscardHandler))))
	RegisterIngestServer(srv, NewService(reg, obs, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestReportOverGRPCUpdatesRegistry(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := fleet.NewRegistry(fleet.NewMemoryStore(), fleet.WithClock(clock.Fake(epoch)))
	obs := &countingObserver{}
	client := startServer(t, reg, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rep := shared.Report{
		PCName:         "lab-5",
		IP:             "10.0.0.5",
		User:           "alice",
		CPU:            42,
		RAM:            63.5,
		SessionSeconds: 120,
		Processes:      []shared.ProcessSample{{PID: 812, Name: "firefox", CPU: 12.5, RAM: 8.25}},
	}
	if err := client.Report(ctx, rep); err != nil {
		t.Fatalf("Report: %v", err)
	}

	got, err := reg.Get(ctx, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if got.Activity != fleet.ActivityBusy || got.CPULoad != 42 || len(got.Processes) != 1 || got.Processes[0].Name != "firefox" {
		t.Fatalf("record = %+v", got)
	}
	if obs.get("grpc/ok") != 1 {
		t.Fatalf("observer counts = %v", obs.counts)
	}
}

func TestReportOverGRPCRejectsInvalid(t *testing.T) {
	reg := fleet.NewRegistry(fleet.NewMemoryStore())
	obs := &countingObserver{}
	client := startServer(t, reg, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := client.Report(ctx, shared.Report{PCName: "lab", CPU: 10})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if recs, _ := reg.List(ctx); len(recs) != 0 {
		t.Fatalf("invalid report stored %d records", len(recs))
	}
	if obs.get("grpc/invalid") != 1 {
		t.Fatalf("observer counts = %v", obs.counts)
	}
}

func TestReportOverGRPCStorageError(t *testing.T) {
	client := startServer(t, brokenReporter{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := client.Report(ctx, shared.Report{IP: "10.0.0.5"})
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v, want Internal", err)
	}
	if st, _ := status.FromError(err); st.Message() != "storage error" {
		t.Fatalf("message = %q leaks internals", st.Message())
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatal("codec must register under the json content-subtype")
	}
	var out shared.Report
	b, err := jsonCodec{}.Marshal(shared.Report{PCName: "x", IP: "1.2.3.4"})
	if err != nil {
		t.Fatal(err)
	}
	if err := (jsonCodec{}).Unmarshal(b, &out); err != nil || out.IP != "1.2.3.4" {
		t.Fatalf("round trip = %+v, %v", out, err)
	}
}
